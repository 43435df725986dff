package domain

import (
	"math"
	"strconv"
	"strings"
)

// MaxTopK bounds how many chunks a caller may request per query.
const MaxTopK = 50

// ValidateQuery checks free-text query input before retrieval.
func ValidateQuery(text string, topK int) error {
	if strings.TrimSpace(text) == "" {
		return NewValidationError("query", text, ErrInvalidQuery)
	}
	return ValidateTopK(topK)
}

// ValidateTopK checks 0 < topK <= MaxTopK.
func ValidateTopK(topK int) error {
	if topK <= 0 {
		return NewValidationError("top_k", strconv.Itoa(topK), ErrInvalidTopK)
	}
	if topK > MaxTopK {
		return NewValidationError("top_k", strconv.Itoa(topK), ErrTopKTooLarge)
	}
	return nil
}

// ValidateThreshold checks a detector confidence threshold lies in [0,1].
func ValidateThreshold(conf float64) error {
	if conf < 0 || conf > 1 || math.IsNaN(conf) {
		return NewValidationError("conf", strconv.FormatFloat(conf, 'g', -1, 64), ErrInvalidThreshold)
	}
	return nil
}
