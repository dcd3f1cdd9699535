package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/example/wavematch/internal/auth"
)

var quotaRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_quota_rejected_total",
	Help: "Requests rejected because the actor exhausted the budget for the action.",
}, []string{"action"})

// Action groups routes that share a budget.
type Action string

const (
	// ActionBrowse covers every read, whatever the role.
	ActionBrowse Action = "browse"
	// ActionRequest covers seeker writes.
	ActionRequest Action = "request"
	// ActionRespond covers providers accepting or declining opportunities.
	ActionRespond Action = "respond"
	// ActionOperate covers operator writes.
	ActionOperate Action = "operate"
)

// Budget allows PerMinute calls on average with up to Burst back to back.
// A zero PerMinute disables the budget.
type Budget struct {
	PerMinute int
	Burst     int
}

func (b Budget) enabled() bool { return b.PerMinute > 0 }

// Budgets holds one budget per action.
type Budgets struct {
	Browse  Budget
	Request Budget
	Respond Budget
	Operate Budget
}

func (b Budgets) of(action Action) Budget {
	switch action {
	case ActionBrowse:
		return b.Browse
	case ActionRequest:
		return b.Request
	case ActionRespond:
		return b.Respond
	default:
		return b.Operate
	}
}

// DefaultBudgets matches the RATE_* defaults of the match service.
func DefaultBudgets() Budgets {
	return Budgets{
		Browse:  Budget{PerMinute: 600, Burst: 60},
		Request: Budget{PerMinute: 20, Burst: 5},
		Respond: Budget{PerMinute: 60, Burst: 15},
		Operate: Budget{PerMinute: 300, Burst: 50},
	}
}

// Quota spends an actor's per-action budget in Redis so every replica shares
// the same view. It must run after authentication.
type Quota struct {
	rdb     redis.Scripter
	budgets Budgets
	prefix  string
	clock   func() time.Time
}

// NewQuota returns nil when rdb is nil; a nil Quota lets every call through.
func NewQuota(rdb redis.Scripter, budgets Budgets) *Quota {
	if rdb == nil {
		return nil
	}
	return &Quota{rdb: rdb, budgets: budgets, prefix: "wavematch:quota", clock: time.Now}
}

// ActionFor classifies a call by method and the caller's role.
func ActionFor(method string, role auth.Role) Action {
	if method == http.MethodGet || method == http.MethodHead {
		return ActionBrowse
	}
	switch role {
	case auth.RoleSeeker:
		return ActionRequest
	case auth.RoleProvider:
		return ActionRespond
	default:
		return ActionOperate
	}
}

func (q *Quota) Middleware(next http.Handler) http.Handler {
	if q == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ActorFromContext(r.Context())
		if !ok {
			quotaError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		action := ActionFor(r.Method, actor.Role)
		budget := q.budgets.of(action)
		if !budget.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		wait, err := q.spend(r.Context(), action, actor, budget)
		if err != nil {
			quotaError(w, http.StatusServiceUnavailable, "quota unavailable")
			return
		}
		if wait > 0 {
			quotaRejected.WithLabelValues(string(action)).Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			quotaError(w, http.StatusTooManyRequests, fmt.Sprintf("%s budget exhausted", action))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// spend takes one call from the actor's budget and returns how long to wait
// when none is left.
func (q *Quota) spend(ctx context.Context, action Action, actor auth.Actor, budget Budget) (time.Duration, error) {
	key := fmt.Sprintf("%s:%s:%s", q.prefix, action, actor.ID)
	interval := time.Minute.Milliseconds() / int64(budget.PerMinute)
	if interval < 1 {
		interval = 1
	}
	burst := budget.Burst
	if burst < 1 {
		burst = 1
	}
	reply, err := gcra.Run(ctx, q.rdb, []string{key}, q.clock().UnixMilli(), interval, burst).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("spend %s budget: %w", action, err)
	}
	if len(reply) != 2 {
		return 0, fmt.Errorf("spend %s budget: unexpected reply %v", action, reply)
	}
	if reply[0] == 1 {
		return 0, nil
	}
	return time.Duration(reply[1]) * time.Millisecond, nil
}

func retryAfterSeconds(wait time.Duration) string {
	secs := int64((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func quotaError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// gcra keeps a single theoretical arrival time per key. Each call pushes it
// one interval forward; a call is refused while it would sit more than burst
// intervals ahead of now. Replies {allowed, wait_ms}.
var gcra = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tat = tonumber(redis.call('GET', KEYS[1]) or now)
if tat < now then
  tat = now
end
local next_tat = tat + interval
local earliest = next_tat - interval * burst
if earliest > now then
  return {0, earliest - now}
end
redis.call('SET', KEYS[1], next_tat, 'PX', next_tat - now)
return {1, 0}
`)
