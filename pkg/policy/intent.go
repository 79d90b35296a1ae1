package policy

import (
	"fmt"
	"regexp"
	"strings"
)

type intentPattern struct {
	name string
	re   *regexp.Regexp
}

var intentPatterns = []intentPattern{
	{"delete", regexp.MustCompile(`(?i)\b(delete|remove|erase|wipe)\b.*\b(all|everything|files?|folders?|director(y|ies)|database|records?)\b`)},
	{"purchase", regexp.MustCompile(`(?i)\b(buy|purchase|pay|checkout)\b`)},
	{"shutdown", regexp.MustCompile(`(?i)\b(shut\s*down|power\s*off|reboot)\b`)},
	{"format", regexp.MustCompile(`(?i)\bformat\b.*\b(disk|drive|partition|volume)\b`)},
	{"drop_table", regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b`)},
}

// CheckIntent matches free text against dangerous-intent patterns. It never blocks: safe is false
// and warning names the matched intents so the caller can confirm before acting.
func (g *Gate) CheckIntent(text string) (bool, string) {
	var matched []string
	for _, p := range intentPatterns {
		if p.re.MatchString(text) {
			matched = append(matched, p.name)
		}
	}
	if len(matched) == 0 {
		return true, ""
	}
	return false, fmt.Sprintf("request looks destructive (%s); confirm before proceeding", strings.Join(matched, ", "))
}
