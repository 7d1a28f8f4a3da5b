package retrieval

// EstimateTokens estimates the token count for content using the chars/4
// approximation. Good enough for budget capping without a tokenizer.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}
