package main

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// maxFormAge is the oldest render a submission may come from.
const maxFormAge = 24 * time.Hour

// Column widths of the attempt log.
const (
	maxFormIDLength  = 50
	maxFormRefLength = 100
)

const (
	snapshotMaxKeys     = 50
	snapshotMaxValueLen = 256
)

// Submission is one posted form as seen by the pipeline.
type Submission struct {
	FormID    string
	SessionID string
	Data      map[string]string
	// FormRef identifies the concrete form inside its form system, e.g. a
	// Contact Form 7 post id. Optional.
	FormRef string
	// ProtectKey names the protect toggle gating this submission when it
	// differs from FormID, e.g. one toggle covering several Houzez forms.
	ProtectKey string
	IP         string
	UserAgent  string
	// Headers are the request headers, used by client heuristics. Optional.
	Headers http.Header
}

// Rejection is returned by a Rule to veto a submission.
type Rejection struct {
	Reason string
	// Score defaults to 100 when zero.
	Score int
}

// Rule is an extension check run after the built-in checks. Rules run in
// registration order and the first rejection wins.
type Rule func(ctx context.Context, sub Submission) *Rejection

// Observer is notified after a submission passes every check.
type Observer func(ctx context.Context, sub Submission)

// AttemptRecorder persists rejected submissions.
type AttemptRecorder interface {
	Record(ctx context.Context, a Attempt) error
}

// Pipeline renders trap fields and validates submissions against them.
type Pipeline struct {
	settings  *Settings
	fields    *FieldGenerator
	sessions  SessionStore
	keys      *SessionKeyer
	times     *TimeCodec
	nonces    *NonceManager
	recorder  AttemptRecorder
	logger    *slog.Logger
	now       func() time.Time
	rules     []Rule
	observers []Observer
}

// PipelineConfig carries the collaborators of a Pipeline. Recorder and
// Logger may be nil.
type PipelineConfig struct {
	Settings *Settings
	Sessions SessionStore
	Secret   string
	Recorder AttemptRecorder
	Logger   *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := NewSessionKeyer(cfg.Secret)
	return &Pipeline{
		settings: cfg.Settings,
		fields:   NewFieldGenerator(cfg.Sessions, keys),
		sessions: cfg.Sessions,
		keys:     keys,
		times:    NewTimeCodec(cfg.Secret),
		nonces:   NewNonceManager(cfg.Secret),
		recorder: cfg.Recorder,
		logger:   logger.With("component", "pipeline"),
		now:      time.Now,
	}
}

// Use registers an extension rule. Call before serving.
func (p *Pipeline) Use(rule Rule) {
	p.rules = append(p.rules, rule)
}

// OnValidated registers an observer for passing submissions. Call before serving.
func (p *Pipeline) OnValidated(obs Observer) {
	p.observers = append(p.observers, obs)
}

// Render issues a fresh field set for formID under sessionID.
func (p *Pipeline) Render(ctx context.Context, sessionID, formID string) FieldSet {
	opts := p.settings.Current()

	fields, err := p.fields.Generate(ctx, sessionID, formID, opts.HoneypotCount)
	if err != nil {
		p.logger.Warn("trap fields not stored, validation will rely on name matching",
			"form", formID, "error", err)
	}

	fs := FieldSet{
		FormID:    formID,
		Fields:    fields,
		TimeToken: p.times.Issue(p.now().Unix()),
		Debug:     opts.DebugMode,
	}
	if !opts.SkipsNonce(formID) {
		fs.Nonce = p.nonces.Create(FormAction(formID), sessionID)
	}
	return fs
}

// Validate runs the checks in order and returns the first rejection, or Pass.
// Rejections are recorded when logging is on; a recording failure never
// changes the verdict.
func (p *Pipeline) Validate(ctx context.Context, sub Submission) Verdict {
	opts := p.settings.Current()
	if !opts.IsProtected(sub.protectKey()) {
		return Pass()
	}
	if sub.Data == nil {
		sub.Data = map[string]string{}
	}

	if !opts.SkipsNonce(sub.FormID) {
		if !p.nonces.Verify(sub.Data[NonceFieldName], FormAction(sub.FormID), sub.SessionID) {
			return p.reject(ctx, opts, sub, Reject(ReasonInvalidNonce, 100), nil)
		}
	}

	if filled := p.filledTraps(ctx, sub); len(filled) > 0 {
		p.logger.Info("honeypot filled", "form", sub.FormID, "ip", sub.IP, "fields", filled)
		return p.reject(ctx, opts, sub, Reject(ReasonHoneypotFilled, 100), map[string]any{
			"filled_honeypots": filled,
		})
	}

	issued, err := p.times.Decode(sub.Data[TimeFieldName])
	if err != nil {
		return p.reject(ctx, opts, sub, Reject(ReasonInvalidTimeField, 100), nil)
	}
	diff := p.now().Unix() - issued
	threshold := int64(clamp(opts.TimeThresholdSeconds, minTimeThreshold, maxTimeThreshold))
	switch {
	case diff < threshold:
		return p.reject(ctx, opts, sub, Reject(ReasonTooFast, 90), map[string]any{
			"time_diff": diff,
			"threshold": threshold,
		})
	case diff > int64(maxFormAge/time.Second):
		return p.reject(ctx, opts, sub, Reject(ReasonExpiredForm, 50), map[string]any{
			"time_diff": diff,
		})
	}

	for _, rule := range p.rules {
		rej := rule(ctx, sub)
		if rej == nil {
			continue
		}
		score := rej.Score
		if score == 0 {
			score = 100
		}
		v := Reject(ReasonCustomRejection, score)
		v.Detail = rej.Reason
		return p.reject(ctx, opts, sub, v, map[string]any{"custom_reason": rej.Reason})
	}

	for _, obs := range p.observers {
		obs(ctx, sub)
	}
	return Pass()
}

func (s Submission) protectKey() string {
	if s.ProtectKey != "" {
		return s.ProtectKey
	}
	return s.FormID
}

// filledTraps returns the names of non-empty trap fields. Fields issued to
// this session are consumed; independently every posted key is matched
// against the naming grammar so a lost session cannot hide a filled trap.
func (p *Pipeline) filledTraps(ctx context.Context, sub Submission) []string {
	seen := map[string]bool{}

	if p.sessions != nil && sub.SessionID != "" {
		issued, ok, err := p.sessions.Take(ctx, sub.SessionID, p.keys.KeyFor(sub.FormID))
		if err != nil {
			p.logger.Warn("session lookup failed, falling back to name matching",
				"form", sub.FormID, "error", err)
		}
		if ok {
			for _, f := range issued {
				if sub.Data[f.Name] != "" {
					seen[f.Name] = true
				}
			}
		}
	}

	for k, v := range sub.Data {
		if v != "" && IsTrapFieldName(k) {
			seen[k] = true
		}
	}

	filled := make([]string, 0, len(seen))
	for name := range seen {
		filled = append(filled, name)
	}
	sort.Strings(filled)
	return filled
}

func (p *Pipeline) reject(ctx context.Context, opts Options, sub Submission, v Verdict, extra map[string]any) Verdict {
	if !opts.LogSpam || p.recorder == nil {
		return v
	}

	formRef := sub.FormRef
	if formRef == "" {
		formRef = sub.Data["form_id"]
	}
	formRef = clip(formRef, maxFormRefLength)
	err := p.recorder.Record(ctx, Attempt{
		FormType:  sub.FormID,
		FormID:    formRef,
		IP:        sub.IP,
		UserAgent: sub.UserAgent,
		Reason:    v.Reason,
		Score:     v.Score,
		FormData:  snapshot(sub.Data, extra),
	})
	if err != nil {
		p.logger.Error("record attempt", "form", sub.FormID, "reason", v.Reason, "error", err)
	}
	return v
}

// snapshot copies form data for storage, dropping the service's own hidden
// fields and truncating oversized input.
func snapshot(data map[string]string, extra map[string]any) map[string]any {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == NonceFieldName || k == TimeFieldName {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys)+len(extra))
	for i, k := range keys {
		if i == snapshotMaxKeys {
			out["_truncated_keys"] = strconv.Itoa(len(keys) - snapshotMaxKeys)
			break
		}
		v := truncate(data[k], snapshotMaxValueLen)
		if isSecretKey(k) {
			v = "[redacted]"
		}
		out[truncate(k, snapshotMaxValueLen)] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// isSecretKey matches credential fields such as pwd, user_pass and pass1.
func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "pass") || strings.Contains(k, "pwd") || strings.Contains(k, "token")
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// CleanFormData returns data without the service's hidden and trap fields,
// ready to be handed to the form's own handler.
func CleanFormData(data map[string]string) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if k == NonceFieldName || k == TimeFieldName || IsTrapFieldName(k) {
			continue
		}
		out[k] = v
	}
	return out
}
