package capability

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const randomStringAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomString(length int) string {
	if length <= 0 {
		return ""
	}
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(randomStringAlphabet))))
		if err != nil {
			b[i] = randomStringAlphabet[0]
			continue
		}
		b[i] = randomStringAlphabet[n.Int64()]
	}
	return string(b)
}

func randomInt(min, max int) int {
	if max <= min {
		return min
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min+1)))
	if err != nil {
		return min
	}
	return min + int(n.Int64())
}

func shuffle[T any](items []T) []T {
	out := make([]T, len(items))
	copy(out, items)
	for i := len(out) - 1; i > 0; i-- {
		j := randomInt(0, i)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func shuffleArray(items []any) []any {
	return shuffle(items)
}

func shuffleString(s string) string {
	runes := []rune(s)
	shuffled := shuffle(runes)
	return string(shuffled)
}

func splitArray(items []any, size int) [][]any {
	if size <= 0 {
		return [][]any{items}
	}
	var out [][]any
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

func randomSlice(items []any, count int) []any {
	shuffled := shuffle(items)
	if count > len(shuffled) {
		count = len(shuffled)
	}
	return shuffled[:count]
}

func atob(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("atob: %w", err)
	}
	return string(decoded), nil
}

func btoa(raw string) string {
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// humanizeDuration renders a millisecond count as "1h 2m 3s"-style text.
func humanizeDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d == 0 {
		return "0s"
	}
	var parts []string
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}
