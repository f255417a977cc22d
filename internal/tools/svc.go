package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"uiresolve-mcp-server/internal/memory"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// serviceFunctions maps svc.* tools to remote function names.
var serviceFunctions = map[Name]string{
	SvcAndyChat:           "andy-chat",
	SvcAndyLearn:          "andy-learn-from-message",
	SvcAndyEmbed:          "andy-embed-knowledge",
	SvcAndyEnhance:        "andy-enhance-memories",
	SvcClassifyBusiness:   "ai-classify-business",
	SvcGenerateBio:        "business-generate-bio",
	SvcScanSite:           "business-scan-site",
	SvcGhostMatch:         "business-ghost-match",
	SvcAICurateFeed:       "ai-curate-feed",
	SvcAIRankSearch:       "ai-rank-search",
	SvcGapFinder:          "gap_finder",
	SvcMDROrchestrate:     "mdr_orchestrate",
	SvcPerceiveTick:       "perceive_tick",
	SvcSelfImprove:        "self_improve_tick",
	SvcRedTeam:            "red_team_tick",
	SvcFineTuneCohort:     "fine_tune_cohort",
	SvcUserRAGIndex:       "user_rag_index",
	SvcAnalyzeTraces:      "analyze-traces",
	SvcAggregateLearnings: "aggregate-learnings",
	SvcKBSearch:           "kb-search",
}

// FunctionName returns the remote function behind a svc.* tool.
func FunctionName(n Name) (string, bool) {
	fn, ok := serviceFunctions[n]
	return fn, ok
}

// FunctionInvoker calls a named remote function with a JSON body.
type FunctionInvoker interface {
	Invoke(ctx context.Context, function string, body any) (any, error)
}

// FunctionClient posts JSON to <baseURL>/<function> with bearer auth. Calls
// share one rate limiter.
type FunctionClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewFunctionClient builds a client. rps <= 0 disables limiting.
func NewFunctionClient(baseURL, token string, rps float64, timeout time.Duration, logger *zap.Logger) *FunctionClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &FunctionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.Named("functions"),
	}
}

const maxErrorBody = 512

func (c *FunctionClient) Invoke(ctx context.Context, function string, body any) (any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+function, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if caller := memory.CallerFrom(ctx); caller != "" {
		req.Header.Set("X-User-ID", caller)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", function, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", function, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		c.log.Warn("remote function failed", zap.String("function", function), zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%s returned %d: %s", function, resp.StatusCode, msg)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", function, err)
	}
	return out, nil
}

// RegisterServices installs the svc.* tools. A nil invoker registers handlers
// that report ErrNotConfigured.
func RegisterServices(r *Registry, invoker FunctionInvoker) {
	if invoker == nil {
		unavailable(r, FamilyService, fmt.Errorf("remote functions %w", ErrNotConfigured))
		return
	}
	for name, fn := range serviceFunctions {
		fn := fn
		r.Register(name, func(ctx context.Context, p Params) (any, error) {
			return invoker.Invoke(ctx, fn, p.Payload())
		})
	}
}
