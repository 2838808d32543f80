// Package main provides the chorus terminal chat client. It wires the
// ensemble HTTP client, rate limiters, conversation memory and response
// cache into a chat session and drives it from a line-based REPL.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/solipsix/chorus/internal/cache"
	"github.com/solipsix/chorus/internal/chat"
	"github.com/solipsix/chorus/internal/config"
	"github.com/solipsix/chorus/internal/ensemble"
	"github.com/solipsix/chorus/internal/memory"
	"github.com/solipsix/chorus/internal/ratelimit"
)

const (
	// healthCacheKey memoizes the ensemble health probe.
	healthCacheKey = "ensemble:health"
	// healthProbeTimeout bounds one health probe.
	healthProbeTimeout = 5 * time.Second
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := ensemble.NewHTTPClient(ensemble.Config{
		BaseURL: cfg.EndpointURL,
		Timeout: cfg.RequestTimeout,
	})
	if err != nil {
		logger.Error("Failed to create ensemble client", slog.String("error", err.Error()))
		return 1
	}

	limiter := ratelimit.NewLimiter(
		ratelimit.NewWindow(cfg.WindowLimit, cfg.WindowLength),
		ratelimit.NewCooldown(cfg.GuestCooldown),
	)

	responseCache := cache.NewManager(cfg.CacheSize)
	maintenance := cache.NewMaintenance(responseCache)
	if err := maintenance.Start(ctx); err != nil {
		logger.Error("Failed to start cache maintenance", slog.String("error", err.Error()))
		return 1
	}
	defer maintenance.Stop()

	svc, err := chat.NewService(chat.Config{
		Client: client,
		Gate:   limiter,
		Memory: memory.NewManager(cfg.MaxMessages, cfg.CleanupInterval),
		Policy: chat.Policy{
			MaxRetries:     cfg.MaxRetries,
			BaseDelay:      cfg.BaseDelay,
			MaxDelay:       cfg.MaxDelay,
			AttemptTimeout: cfg.RequestTimeout,
		},
		Identity: chat.Identity{UserID: cfg.UserID},
		Logger:   logger,
	})
	if err != nil {
		logger.Error("Failed to create chat service", slog.String("error", err.Error()))
		return 1
	}

	return newREPL(svc, client, responseCache, cfg).run(ctx)
}

// styles holds the terminal rendering styles. When stdout is not a
// terminal all styling collapses to plain text.
type styles struct {
	user      lipgloss.Style
	assistant lipgloss.Style
	errMsg    lipgloss.Style
	info      lipgloss.Style
}

func newStyles() styles {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		plain := lipgloss.NewStyle()
		return styles{user: plain, assistant: plain, errMsg: plain, info: plain}
	}
	return styles{
		user:      lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		errMsg:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		info:      lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
	}
}

// repl is the interactive loop around one chat session.
type repl struct {
	svc    *chat.Service
	client ensemble.Client
	cache  *cache.Manager
	cfg    *config.Config
	styles styles
	out    *bufio.Writer
}

func newREPL(svc *chat.Service, client ensemble.Client, c *cache.Manager, cfg *config.Config) *repl {
	return &repl{
		svc:    svc,
		client: client,
		cache:  c,
		cfg:    cfg,
		styles: newStyles(),
		out:    bufio.NewWriter(os.Stdout),
	}
}

func (r *repl) run(ctx context.Context) int {
	r.println(r.styles.info.Render("chorus — multi-model chat. /help for commands."))
	r.println(r.styles.info.Render("session " + r.svc.SessionID()))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		r.print("> ")
		r.flush()

		if !scanner.Scan() {
			return 0
		}
		if ctx.Err() != nil {
			return 0
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return 0
			}
			continue
		}

		r.send(ctx, line)
	}
}

// command dispatches a slash command. Returns true to quit.
func (r *repl) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		r.println(r.styles.info.Render(
			"/clear new session  /retry retry last failure  /delete <id> remove a message\n" +
				"/stats session and cache stats  /health service health  /quit exit"))
	case "/clear":
		r.svc.Clear()
		r.println(r.styles.info.Render("session " + r.svc.SessionID()))
	case "/retry":
		r.retryLast(ctx)
	case "/delete":
		if len(fields) < 2 {
			r.println(r.styles.errMsg.Render("usage: /delete <message-id>"))
			break
		}
		if !r.svc.Delete(fields[1]) {
			r.println(r.styles.errMsg.Render("no message with id " + fields[1]))
		}
	case "/stats":
		r.stats()
	case "/health":
		r.println(r.styles.info.Render("ensemble: " + r.health(ctx)))
	default:
		r.println(r.styles.errMsg.Render("unknown command " + fields[0]))
	}
	return false
}

// send dispatches one prompt and renders the outcome.
func (r *repl) send(ctx context.Context, text string) {
	before := len(r.svc.Messages())

	err := r.svc.Send(ctx, text)
	if err != nil {
		var cooldown *ratelimit.CooldownError
		if errors.As(err, &cooldown) {
			sig := cooldown.Signal()
			r.println(r.styles.errMsg.Render(fmt.Sprintf(
				"Guest cooldown: wait %.0fs before the next message.",
				float64(sig.TimeRemainingMs)/1000)))
			return
		}
		r.println(r.styles.errMsg.Render(err.Error()))
		return
	}

	for _, msg := range r.svc.Messages()[before:] {
		r.render(msg)
	}
}

// retryLast retries the most recent error message, if any.
func (r *repl) retryLast(ctx context.Context) {
	messages := r.svc.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleError {
			before := len(messages) - 1 // the failed message is removed first
			if err := r.svc.Retry(ctx, messages[i].ID); err != nil {
				r.println(r.styles.errMsg.Render(err.Error()))
				return
			}
			for _, msg := range r.svc.Messages()[before:] {
				r.render(msg)
			}
			return
		}
	}
	r.println(r.styles.info.Render("nothing to retry"))
}

// render prints one message. User messages are skipped; the user just
// typed them.
func (r *repl) render(msg chat.Message) {
	switch msg.Role {
	case chat.RoleUser:
	case chat.RoleAssistant:
		r.println(r.styles.assistant.Render(msg.Text))
		if meta, ok := msg.Meta.(*chat.AssistantMeta); ok && meta.Attempts > 1 {
			r.println(r.styles.info.Render(fmt.Sprintf("(answered after %d attempts)", meta.Attempts)))
		}
	case chat.RoleError:
		r.println(r.styles.errMsg.Render(msg.Text))
		r.println(r.styles.info.Render("(/retry to try again)"))
	}
	r.flush()
}

// health returns the ensemble health, memoized through the response cache.
func (r *repl) health(ctx context.Context) string {
	if cached, ok := r.cache.Get(healthCacheKey); ok {
		if status, isString := cached.(string); isString {
			return status
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	status := "ok"
	if err := r.client.Health(probeCtx); err != nil {
		status = err.Error()
	}

	r.cache.Set(healthCacheKey, status, cache.Options{
		TTL:      r.cfg.HealthCacheTTL,
		Tags:     []string{"health"},
		Priority: cache.PriorityLow,
	})
	return status
}

// stats prints session and cache statistics.
func (r *repl) stats() {
	messages := r.svc.Messages()
	cacheStats := r.cache.Stats()
	memInfo := r.cache.MemoryInfo()

	r.println(r.styles.info.Render(fmt.Sprintf(
		"session %s: %d messages, ~%d bytes, loading=%v",
		r.svc.SessionID(), len(messages), memory.TotalUsage(messages), r.svc.Loading())))
	r.println(r.styles.info.Render(fmt.Sprintf(
		"cache: %d/%d entries, pressure %.2f, hits %d, misses %d, ~%d bytes",
		cacheStats.Size, cacheStats.MaxSize, cacheStats.Pressure,
		cacheStats.Hits, cacheStats.Misses, memInfo.ApproxBytes)))
}

func (r *repl) print(s string) {
	_, _ = r.out.WriteString(s)
}

func (r *repl) println(s string) {
	_, _ = r.out.WriteString(s + "\n")
	r.flush()
}

func (r *repl) flush() {
	_ = r.out.Flush()
}
