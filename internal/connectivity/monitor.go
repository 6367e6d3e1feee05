// Package connectivity отслеживает доступность sync-сервера.
// Оркестратор подписывается на переходы: offline → online запускает
// внеочередной sync-цикл.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State состояние связи с сервером.
type State string

const (
	StateOnline   State = "online"
	StateOffline  State = "offline"
	StateDegraded State = "degraded" // сервер отвечает, но медленно
)

//go:generate moq -out monitor_mock.go . Monitor

// Monitor наблюдает за связью. Events извещает только о переходах,
// не о каждой пробе.
type Monitor interface {
	// State возвращает текущее состояние.
	State() State

	// Events возвращает канал переходов состояния.
	Events() <-chan State

	// Run гоняет пробы до отмены контекста.
	Run(ctx context.Context)
}

// HTTPProbe проверяет связь GET-запросом к health endpoint сервера.
type HTTPProbe struct {
	httpClient *http.Client
	events     chan State
	logger     *slog.Logger
	probeURL   string
	interval   time.Duration
	degraded   time.Duration // порог латентности для StateDegraded
	mu         sync.Mutex
	state      State
}

// NewHTTPProbe создает монитор с пробой к указанному health URL.
func NewHTTPProbe(probeURL string, interval time.Duration, logger *slog.Logger) *HTTPProbe {
	return &HTTPProbe{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		events:     make(chan State, 1),
		logger:     logger,
		probeURL:   probeURL,
		interval:   interval,
		degraded:   2 * time.Second,
		state:      StateOffline,
	}
}

func (p *HTTPProbe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *HTTPProbe) Events() <-chan State {
	return p.events
}

// Run выполняет пробу сразу и далее по тикеру до отмены контекста.
func (p *HTTPProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *HTTPProbe) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		p.transition(StateOffline)
		return
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.transition(StateOffline)
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.transition(StateOffline)
		return
	}
	if time.Since(start) > p.degraded {
		p.transition(StateDegraded)
		return
	}
	p.transition(StateOnline)
}

// transition публикует переход. Канал буферизован на один элемент:
// непрочитанный старый переход вытесняется свежим.
func (p *HTTPProbe) transition(next State) {
	p.mu.Lock()
	prev := p.state
	p.state = next
	p.mu.Unlock()

	if prev == next {
		return
	}

	p.logger.Info("Connectivity changed", "from", string(prev), "to", string(next))
	select {
	case p.events <- next:
	default:
		select {
		case <-p.events:
		default:
		}
		p.events <- next
	}
}
