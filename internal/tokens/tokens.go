package tokens

// Estimator turns message text into an approximate token count. It is a
// bookkeeping collaborator, not a billing oracle.
type Estimator func(text string) int64

// Estimate approximates the token count of text using the ~4 chars per token
// rule of thumb for English prose.
func Estimate(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(len(text)) / 4
	if int64(len(text))%4 != 0 {
		n++
	}
	return n
}
