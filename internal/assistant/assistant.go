// Package assistant produces every user-facing text of the conversation. Each
// operation owns a prompt and a deterministic fallback, so callers always get
// something sendable back and never an error.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/bellujrb/hackathon-onco/internal/history"
	"github.com/bellujrb/hackathon-onco/internal/models"
	"github.com/charmbracelet/log"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// Intent is the coarse classification of an inbound message.
type Intent string

// Intents.
const (
	IntentSendTestLink Intent = "send_test_link"
	IntentGeneral      Intent = "general"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 30 * time.Second

// History windows fed to the model.
const (
	classifyWindow = 4
	replyWindow    = 8
)

// ReplyFallbackText answers a general message when the model is unavailable.
const ReplyFallbackText = "Desculpe, não consegui responder agora. 😕 Pode tentar de novo em instantes? Se quiser fazer o teste de voz, é só dizer \"quero fazer o teste\"."

var (
	errNoModel  = errors.New("assistant: no model configured")
	errEmpty    = errors.New("assistant: empty completion")
	errRejected = errors.New("assistant: completion rejected")
)

var (
	bannedTerms = []string{"jitter", "shimmer", "hnr", "frequência fundamental", "frequencia fundamental"}
	f0Pattern   = regexp.MustCompile(`(?i)\bf0\b`)
	greetings   = []string{"olá", "ola", "oi", "oie", "bom dia", "boa tarde", "boa noite", "bem-vindo", "bem-vinda", "hello", "hi"}
)

// Opts holds parameters for creating an Assistant.
type Opts struct {
	Model   model.BaseChatModel // nil runs in fallback-only mode
	Prompts *Prompts            // defaults to DefaultPrompts()
	Timeout time.Duration       // per call; defaults to DefaultTimeout
	Logger  *log.Logger
}

// Assistant generates replies, link messages, and result explanations.
type Assistant struct {
	chain   compose.Runnable[map[string]any, *schema.Message]
	prompts atomic.Pointer[Prompts]
	timeout time.Duration
	log     *log.Logger
}

// New compiles the generation chain around opts.Model.
func New(ctx context.Context, opts Opts) (*Assistant, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("assistant")
	}
	a := &Assistant{timeout: opts.Timeout, log: logger}

	p := DefaultPrompts()
	if opts.Prompts != nil {
		p = p.merge(*opts.Prompts)
	}
	a.prompts.Store(&p)

	if opts.Model == nil {
		logger.Warn("no model configured, every text will use its fallback")
		return a, nil
	}

	// Texts travel as variables so braces in user input never reach the
	// template parser.
	tpl := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)
	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(tpl)
	chain.AppendChatModel(opts.Model)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("assistant: compile chain: %w", err)
	}
	a.chain = runnable
	return a, nil
}

// Prompts returns the prompt set in use.
func (a *Assistant) Prompts() Prompts {
	return *a.prompts.Load()
}

// SetPrompts swaps the prompt set. Empty fields keep the built-in text.
func (a *Assistant) SetPrompts(p Prompts) {
	merged := DefaultPrompts().merge(p)
	a.prompts.Store(&merged)
}

// ReloadPrompts reads overrides from path and swaps them in. On error the
// current set is kept.
func (a *Assistant) ReloadPrompts(path string) error {
	p, err := LoadPrompts(path)
	if err != nil {
		return err
	}
	a.prompts.Store(&p)
	a.log.Info("prompts reloaded", "path", path)
	return nil
}

// Classify decides whether message asks for the test link. Anything other
// than an explicit SEND_TEST_LINK answer, including failures, is general.
func (a *Assistant) Classify(ctx context.Context, message string, hist []history.Entry) Intent {
	p := a.Prompts()
	query := fmt.Sprintf("%s %q", p.ClassifyLead, message)
	out, err := a.generate(ctx, p.Classifier, tail(hist, classifyWindow), query,
		compose.WithChatModelOption(model.WithTemperature(0)))
	if err != nil {
		a.log.Warn("classification failed, defaulting to general", "err", err)
		return IntentGeneral
	}
	if strings.Contains(strings.ToUpper(out), "SEND_TEST_LINK") {
		return IntentSendTestLink
	}
	return IntentGeneral
}

// Reply answers a general message in the specialist persona.
func (a *Assistant) Reply(ctx context.Context, message string, hist []history.Entry) string {
	out, err := a.generate(ctx, a.Prompts().Identity, tail(hist, replyWindow), message)
	if err != nil {
		a.log.Warn("reply generation failed, using fallback", "err", err)
		return ReplyFallbackText
	}
	return out
}

// LinkMessage wraps the test url in a short friendly message. Output that
// lost the url is discarded.
func (a *Assistant) LinkMessage(ctx context.Context, url string) string {
	p := a.Prompts()
	out, err := a.generate(ctx, p.LinkSystem, nil, p.LinkLead+"\n"+url)
	if err == nil && !strings.Contains(out, url) {
		err = fmt.Errorf("%w: url missing", errRejected)
	}
	if err != nil {
		a.log.Warn("link message generation failed, using fallback", "err", err)
		return FallbackLink(url)
	}
	return out
}

// Processing is the acknowledgement sent when a result arrives.
func (a *Assistant) Processing(ctx context.Context) string {
	p := a.Prompts()
	out, err := a.generate(ctx, p.ProcessingSys, nil, p.ProcessingQuery)
	if err != nil {
		a.log.Warn("processing message generation failed, using fallback", "err", err)
		return ProcessingText
	}
	return out
}

// Explain turns an analysis result into a risk-tiered message that never
// greets, never names raw measurements, and always ends with the
// disclaimer. A failed analysis yields the retry text.
func (a *Assistant) Explain(ctx context.Context, result models.AnalysisResult) string {
	if !result.Success {
		return AnalysisFailedText
	}
	out, err := a.generate(ctx, a.Prompts().ExplainSystem, nil, describeResult(result.RiskAssessment))
	if err == nil {
		err = checkExplanation(out)
	}
	if err != nil {
		a.log.Warn("explanation generation failed, using fallback", "err", err, "tier", result.RiskAssessment.Tier())
		return FallbackExplain(result.RiskAssessment)
	}
	if !strings.HasSuffix(out, Disclaimer) {
		out += "\n\n" + Disclaimer
	}
	return out
}

// generate runs one bounded model call. Panics inside the model are turned
// into errors.
func (a *Assistant) generate(ctx context.Context, system string, hist []history.Entry, query string, opts ...compose.Option) (out string, err error) {
	if a.chain == nil {
		return "", errNoModel
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("assistant: model panic: %v", r)
		}
	}()

	msg, err := a.chain.Invoke(ctx, map[string]any{
		"system":  system,
		"history": toMessages(hist),
		"query":   query,
	}, opts...)
	if err != nil {
		return "", err
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", errEmpty
	}
	return strings.TrimSpace(msg.Content), nil
}

func tail(hist []history.Entry, n int) []history.Entry {
	if len(hist) > n {
		return hist[len(hist)-n:]
	}
	return hist
}

func toMessages(hist []history.Entry) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(hist))
	for _, e := range hist {
		if e.Speaker == history.Assistant {
			msgs = append(msgs, schema.AssistantMessage(e.Text, nil))
		} else {
			msgs = append(msgs, schema.UserMessage(e.Text))
		}
	}
	return msgs
}

func describeResult(r models.RiskAssessment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Nível de risco: %s\n", nonEmpty(r.RiskLevel, tierLabel[r.Tier()]))
	fmt.Fprintf(&sb, "Faixa: %s\n", r.Tier())
	if r.Color != "" {
		fmt.Fprintf(&sb, "Cor: %s\n", r.Color)
	}
	if r.Recommendation != "" {
		fmt.Fprintf(&sb, "Recomendação do sistema: %s\n", r.Recommendation)
	}
	sb.WriteString("Escreva a mensagem final para o paciente.")
	return sb.String()
}

func nonEmpty(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func checkExplanation(out string) error {
	lower := strings.ToLower(out)
	for _, term := range bannedTerms {
		if strings.Contains(lower, term) {
			return fmt.Errorf("%w: mentions %q", errRejected, term)
		}
	}
	if f0Pattern.MatchString(out) {
		return fmt.Errorf("%w: mentions f0", errRejected)
	}
	if startsWithGreeting(lower) {
		return fmt.Errorf("%w: greets", errRejected)
	}
	return nil
}

func startsWithGreeting(lower string) bool {
	text := strings.TrimLeftFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) })
	for _, g := range greetings {
		rest, ok := strings.CutPrefix(text, g)
		if !ok {
			continue
		}
		if rest == "" {
			return true
		}
		if r := []rune(rest)[0]; !unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
