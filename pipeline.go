package admitgate

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/krishna-kudari/admitgate/urlmatch"
)

// PolicyRule binds a URL glob pattern to the Policy served for matching
// paths.
type PolicyRule struct {
	Pattern string
	Policy  Policy
}

// KeyFunc extracts the principal key from an inbound request. The concrete
// strategies below cover client address and authenticated user id;
// endpoint-signature keying is obtained by wrapping any KeyFunc and
// appending the request path (Request.Path).
type KeyFunc func(r Request) string

// Request is the subset of an inbound request the pipeline needs,
// implemented by the net/http, Gin, Echo, Fiber, and gRPC adapters so the
// core pipeline stays transport-agnostic.
type Request interface {
	Path() string
	Header(name string) string
	RemoteAddr() string
	Context() context.Context
}

// Pipeline implements the admission pipeline: policy selection by longest
// URL pattern match, principal derivation, engine admission, and
// response-field production. Transport adapters (middleware/http.go,
// middleware/ginmw, ...) drive a Pipeline and translate its Outcome into
// their framework's response type.
type Pipeline struct {
	registry      *Registry
	matcher       *urlmatch.Matcher
	defaultPolicy Policy
	keyFunc       KeyFunc
	excludePaths  map[string]bool
	logger        zerolog.Logger
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	// Registry supplies memoized engines per Policy (required).
	Registry *Registry

	// Rules maps URL glob patterns to the Policy served for matching
	// request paths. Longest pattern wins; ties break lexicographically.
	Rules []PolicyRule

	// DefaultPolicy serves any request whose path matches no Rule.
	DefaultPolicy Policy

	// KeyFunc derives the principal key. Default: BearerPrincipal with
	// FallbackPrincipal as the fallback.
	KeyFunc KeyFunc

	// FallbackPrincipal is used by the default KeyFunc when the
	// Authorization header is absent or does not parse. Default: "anonymous".
	FallbackPrincipal string

	// ExcludePaths bypass the pipeline entirely (e.g. health probes).
	ExcludePaths map[string]bool

	// Logger receives warn-level records on transport failure. State
	// corruption is logged by the engines to their own Options.Logger.
	// Default: a disabled logger.
	Logger zerolog.Logger
}

// NewPipeline builds a Pipeline from cfg.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	patterns := make(map[string]interface{}, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		patterns[rule.Pattern] = rule.Policy
	}
	matcher, err := urlmatch.New(patterns)
	if err != nil {
		return nil, err
	}

	fallback := cfg.FallbackPrincipal
	if fallback == "" {
		fallback = "anonymous"
	}
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = BearerPrincipal(fallback)
	}

	return &Pipeline{
		registry:      cfg.Registry,
		matcher:       matcher,
		defaultPolicy: cfg.DefaultPolicy,
		keyFunc:       keyFunc,
		excludePaths:  cfg.ExcludePaths,
		logger:        cfg.Logger,
	}, nil
}

// Outcome is the transport-agnostic result of running a request through
// the pipeline: either admit (apply Headers and continue) or deny (write
// StatusCode, Headers, and Body verbatim).
type Outcome struct {
	Decision Decision
	Policy   Policy
	Key      string

	// Bypassed is true when the request path is in ExcludePaths; all
	// other fields are zero in that case.
	Bypassed bool

	// Headers are the rate-limit response headers, ready to set verbatim.
	Headers map[string]string

	// StatusCode and Body are only populated when Decision.Allowed is
	// false; Body is the exact JSON deny body.
	StatusCode int
	Body       []byte
}

// Run executes policy selection, principal derivation, engine admission,
// and response-field production against req, returning the Outcome a
// transport adapter should apply to its response.
func (p *Pipeline) Run(req Request) (Outcome, error) {
	if p.excludePaths != nil && p.excludePaths[req.Path()] {
		return Outcome{Bypassed: true}, nil
	}

	policy := p.selectPolicy(req.Path())
	key := p.keyFunc(req)

	engine, err := p.registry.Get(policy)
	if err != nil {
		return Outcome{}, err
	}

	decision, err := engine.Admit(req.Context(), key)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", hashKey(key)).Str("algorithm", decision.AlgorithmTag).Msg("admission transport failure, fail-open/fail-closed policy applied")
	}

	out := Outcome{
		Decision: decision,
		Policy:   policy,
		Key:      key,
		Headers:  headersFor(policy, decision),
	}
	if !decision.Allowed {
		out.StatusCode = 429
		out.Body = denyBody(decision, time.Now().UnixMilli())
	}
	return out, nil
}

// selectPolicy resolves the longest matching URL pattern, falling back to
// the default policy.
func (p *Pipeline) selectPolicy(path string) Policy {
	if v, ok := p.matcher.Match(path); ok {
		return v.(Policy)
	}
	return p.defaultPolicy
}

// headersFor builds the rate-limit response headers.
func headersFor(policy Policy, d Decision) map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(policy.Capacity, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(d.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(d.ResetEpochMS/1000, 10),
		"X-RateLimit-Algorithm": d.AlgorithmTag,
	}
	if !d.Allowed {
		h["Retry-After"] = strconv.FormatInt(d.RetryAfterS, 10)
	}
	return h
}

// BearerPrincipal returns a KeyFunc that reads a principal id from
// `Authorization: Bearer <id>` (id is a decimal integer); on absence or
// parse failure, fallback is used instead.
func BearerPrincipal(fallback string) KeyFunc {
	return func(r Request) string {
		auth := r.Header("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			return fallback
		}
		id := auth[len(prefix):]
		for _, c := range id {
			if c < '0' || c > '9' {
				return fallback
			}
		}
		return "user:" + id
	}
}

// ClientAddrPrincipal derives K from the request's remote address, one of
// the pipeline's offered key strategies.
func ClientAddrPrincipal(r Request) string {
	return "addr:" + r.RemoteAddr()
}

// denyResponse is the JSON body written on a denied request.
type denyResponse struct {
	Error     string        `json:"error"`
	Message   string        `json:"message"`
	Status    int           `json:"status"`
	Timestamp int64         `json:"timestamp"`
	RateLimit denyRateLimit `json:"rateLimit"`
}

type denyRateLimit struct {
	Algorithm          string `json:"algorithm"`
	ResetTime          int64  `json:"resetTime"`
	RetryAfter         int64  `json:"retryAfter"`
	ResetTimeFormatted string `json:"resetTimeFormatted"`
}

// denyBody marshals the deny body for a DENY decision.
func denyBody(d Decision, nowMS int64) []byte {
	resp := denyResponse{
		Error:     "Too Many Requests",
		Message:   "Rate limit exceeded. Please try again later.",
		Status:    429,
		Timestamp: nowMS,
		RateLimit: denyRateLimit{
			Algorithm:          d.AlgorithmTag,
			ResetTime:          d.ResetEpochMS,
			RetryAfter:         d.RetryAfterS,
			ResetTimeFormatted: time.UnixMilli(d.ResetEpochMS).Format("2006-01-02 15:04:05"),
		},
	}
	body, _ := json.Marshal(resp)
	return body
}
