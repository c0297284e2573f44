package domain

import "time"

// Kline represents a single candlestick data point.
// (Symbol, Interval, OpenTime) is the natural unique key.
type Kline struct {
	OpenTime            time.Time // Start time of the interval
	CloseTime           time.Time // End time of the interval
	Symbol              string    // Trading symbol
	Interval            Interval  // Sampling granularity
	Open                float64   // Opening price
	High                float64   // Highest price
	Low                 float64   // Lowest price
	Close               float64   // Closing price
	Volume              float64   // Base asset volume
	QuoteVolume         float64   // Quote asset volume
	TradeCount          int64     // Number of trades in the interval
	TakerBuyVolume      float64   // Taker buy base asset volume
	TakerBuyQuoteVolume float64   // Taker buy quote asset volume
}
