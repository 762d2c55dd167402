package markprice

// Average returns the arithmetic mean of recent trade prices, or 0 when there are none.
func Average(prices []float64) float64 {
	if len(prices) == 0 {
		return 0
	}

	var sum float64
	for _, p := range prices {
		sum += p
	}
	return sum / float64(len(prices))
}
