package resourceguard

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fatihaltiok/timus/internal/observability"
	"github.com/rs/zerolog/log"
)

// Status is the context-budget state of a conversation.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusOverflow Status = "overflow"
)

// Config holds guard configuration
type Config struct {
	MaxTokens         int           `json:"max_tokens" mapstructure:"max_tokens"`
	WarningRatio      float64       `json:"warning_ratio" mapstructure:"warning_ratio"`
	CriticalRatio     float64       `json:"critical_ratio" mapstructure:"critical_ratio"`
	CompressThreshold int           `json:"compress_threshold" mapstructure:"compress_threshold"` // tokens
	CodeBlockMaxLines int           `json:"code_block_max_lines" mapstructure:"code_block_max_lines"`
	LoopThreshold     int           `json:"loop_threshold" mapstructure:"loop_threshold"`
	RapidWindow       int           `json:"rapid_window" mapstructure:"rapid_window"`
	RapidThreshold    int           `json:"rapid_threshold" mapstructure:"rapid_threshold"`
	MaxIterations     int           `json:"max_iterations" mapstructure:"max_iterations"`
	MaxDuration       time.Duration `json:"max_duration" mapstructure:"max_duration"`
}

// DefaultConfig returns default guard configuration
func DefaultConfig() Config {
	return Config{
		MaxTokens:         128000,
		WarningRatio:      0.75,
		CriticalRatio:     0.90,
		CompressThreshold: 4000,
		CodeBlockMaxLines: 20,
		LoopThreshold:     3,
		RapidWindow:       10,
		RapidThreshold:    4,
		MaxIterations:     30,
		MaxDuration:       600 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.WarningRatio <= 0 {
		c.WarningRatio = d.WarningRatio
	}
	if c.CriticalRatio <= 0 {
		c.CriticalRatio = d.CriticalRatio
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = d.CompressThreshold
	}
	if c.CodeBlockMaxLines <= 0 {
		c.CodeBlockMaxLines = d.CodeBlockMaxLines
	}
	if c.LoopThreshold <= 0 {
		c.LoopThreshold = d.LoopThreshold
	}
	if c.RapidWindow <= 0 {
		c.RapidWindow = d.RapidWindow
	}
	if c.RapidThreshold <= 0 {
		c.RapidThreshold = d.RapidThreshold
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	return c
}

// Message is one conversation entry as the guard measures it.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Report summarises guard state for the current task.
type Report struct {
	Iterations     int           `json:"iterations"`
	Elapsed        time.Duration `json:"elapsed"`
	TokensUsed     int           `json:"tokens_used"` // size of the last measured conversation
	TokensSeen     int           `json:"tokens_seen"` // every token measured this task
	Compressions   int           `json:"compressions"`
	LoopsDetected  int           `json:"loops_detected"`
	HardStops      int           `json:"hard_stops"`
	UtilizationPct float64       `json:"utilization_pct"`
}

// Guard tracks token budget and repeated actions for one task.
type Guard struct {
	cfg       Config
	tokenizer Tokenizer
	now       func() time.Time

	mu            sync.Mutex
	actionCounts  map[string]int
	recent        []string
	iterations    int
	startTime     time.Time
	tokensUsed    int
	tokensSeen    int
	compressions  int
	loopsDetected int
	hardStops     int
}

// New creates a guard. tok may be nil, in which case token counts are estimated.
func New(cfg Config, tok Tokenizer) *Guard {
	g := &Guard{
		cfg:       cfg.withDefaults(),
		tokenizer: tok,
		now:       time.Now,
	}
	g.Reset()
	return g
}

// Config returns the effective configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

// EstimateTokens counts tokens in text with the configured tokenizer or the estimate.
func (g *Guard) EstimateTokens(text string) int {
	return countTokens(g.tokenizer, text)
}

// EstimateConversation counts tokens across every message content and records the result as the
// task's current usage.
func (g *Guard) EstimateConversation(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += g.EstimateTokens(m.Content)
	}

	g.mu.Lock()
	g.tokensUsed = total
	g.tokensSeen += total
	g.mu.Unlock()

	return total
}

// Status measures messages and classifies the result against the budget.
func (g *Guard) Status(messages []Message) Status {
	return g.StatusFor(g.EstimateConversation(messages))
}

// StatusFor classifies a token count against the budget.
func (g *Guard) StatusFor(tokens int) Status {
	ratio := float64(tokens) / float64(g.cfg.MaxTokens)
	switch {
	case ratio >= 1.0:
		return StatusOverflow
	case ratio >= g.cfg.CriticalRatio:
		return StatusCritical
	case ratio >= g.cfg.WarningRatio:
		return StatusWarning
	default:
		return StatusOK
	}
}

// TrimMessages keeps the first keepFirst and last keepLast messages and replaces the rest with a
// single system entry. It only acts once the conversation reaches the critical ratio.
func (g *Guard) TrimMessages(messages []Message, keepFirst, keepLast int) []Message {
	if keepFirst < 0 {
		keepFirst = 0
	}
	if keepLast < 0 {
		keepLast = 0
	}

	tokens := g.EstimateConversation(messages)
	if float64(tokens) < g.cfg.CriticalRatio*float64(g.cfg.MaxTokens) {
		return messages
	}
	if len(messages) <= keepFirst+keepLast+1 {
		return messages
	}

	omitted := len(messages) - keepFirst - keepLast
	out := make([]Message, 0, keepFirst+keepLast+1)
	out = append(out, messages[:keepFirst]...)
	out = append(out, Message{
		Role:    "system",
		Content: fmt.Sprintf("[%d entries omitted]", omitted),
	})
	out = append(out, messages[len(messages)-keepLast:]...)

	log.Info().
		Int("tokens", tokens).
		Int("omitted", omitted).
		Int("kept", len(out)-1).
		Msg("Conversation trimmed")

	return out
}

// RecordAction registers one action of the current task. It reports a loop when the same name
// and parameters have been seen LoopThreshold times, or when name alone appears RapidThreshold
// times within the last RapidWindow actions.
func (g *Guard) RecordAction(name string, params map[string]interface{}) (bool, string) {
	key := actionKey(name, params)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.actionCounts[key]++
	count := g.actionCounts[key]

	g.recent = append(g.recent, name)
	if len(g.recent) > g.cfg.RapidWindow {
		g.recent = g.recent[len(g.recent)-g.cfg.RapidWindow:]
	}

	var reason string
	if count >= g.cfg.LoopThreshold {
		reason = fmt.Sprintf("action '%s' repeated %d times with identical parameters", name, count)
	} else {
		same := 0
		for _, n := range g.recent {
			if n == name {
				same++
			}
		}
		if same >= g.cfg.RapidThreshold {
			reason = fmt.Sprintf("action '%s' called %d times in the last %d actions", name, same, len(g.recent))
		}
	}

	if reason == "" {
		return false, ""
	}

	g.loopsDetected++
	observability.RecordGuardLoop()
	log.Warn().Str("action", name).Str("reason", reason).Msg("Loop detected")

	return true, reason
}

func actionKey(name string, params map[string]interface{}) string {
	if len(params) == 0 {
		return name
	}
	// encoding/json sorts map keys, which makes the key canonical.
	data, err := json.Marshal(params)
	if err != nil {
		return name + ":" + fmt.Sprintf("%v", params)
	}
	return name + ":" + string(data)
}

// CheckIteration reports whether the task may continue at step. maxSteps <= 0 uses the
// configured limit. The task is stopped at step >= maxSteps or once MaxDuration has elapsed since
// the last Reset, regardless of token usage.
func (g *Guard) CheckIteration(step, maxSteps int) (bool, string) {
	if maxSteps <= 0 {
		maxSteps = g.cfg.MaxIterations
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if step > g.iterations {
		g.iterations = step
	}

	var reason string
	elapsed := g.now().Sub(g.startTime)
	switch {
	case step >= maxSteps:
		reason = fmt.Sprintf("iteration limit reached (%d/%d)", step, maxSteps)
	case elapsed >= g.cfg.MaxDuration:
		reason = fmt.Sprintf("time limit reached (%s elapsed, limit %s)", elapsed.Round(time.Second), g.cfg.MaxDuration)
	default:
		return true, ""
	}

	g.hardStops++
	observability.RecordGuardHardStop()
	log.Warn().Int("step", step).Int("max", maxSteps).Str("reason", reason).Msg("Hard stop")

	return false, reason
}

// Reset clears all task state. Call it at every new task boundary.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.actionCounts = make(map[string]int)
	g.recent = nil
	g.iterations = 0
	g.startTime = g.now()
	g.tokensUsed = 0
	g.tokensSeen = 0
	g.compressions = 0
	g.loopsDetected = 0
	g.hardStops = 0
}

// Report returns a snapshot of the current task.
func (g *Guard) Report() Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Report{
		Iterations:     g.iterations,
		Elapsed:        g.now().Sub(g.startTime),
		TokensUsed:     g.tokensUsed,
		TokensSeen:     g.tokensSeen,
		Compressions:   g.compressions,
		LoopsDetected:  g.loopsDetected,
		HardStops:      g.hardStops,
		UtilizationPct: float64(g.tokensUsed) / float64(g.cfg.MaxTokens) * 100,
	}
}
