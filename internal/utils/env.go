package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns environment variable value or default if empty
func GetEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// GetEnvInt parses an integer variable, falling back to the default when
// the variable is empty or malformed.
func GetEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return defaultVal
	}
	return n
}

// GetEnvBool accepts the usual strconv spellings ("1", "true", "FALSE", ...).
func GetEnvBool(key string, defaultVal bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// GetEnvMillis reads a duration expressed in milliseconds.
func GetEnvMillis(key string, defaultVal time.Duration) time.Duration {
	ms := GetEnvInt(key, -1)
	if ms < 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}

// GetEnvList splits a comma separated variable, dropping empty entries.
func GetEnvList(key string) []string {
	return SplitList(os.Getenv(key))
}

func SplitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
