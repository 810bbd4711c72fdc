package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

var healthFlags struct {
	json bool
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Connect, probe and print pool and circuit breaker status",
	Long: `Initializes the pool (one SELECT 1 probe through the retrying executor)
and prints the health, pool and circuit breaker snapshots.

Exits non-zero when the database is unreachable or not configured.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().BoolVar(&healthFlags.json, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(healthCmd)
}

type healthReport struct {
	Health  pgguard.HealthStatus         `json:"health"`
	Pool    pgguard.PoolStats            `json:"pool"`
	Breaker pgguard.CircuitBreakerStatus `json:"circuit_breaker"`
	Error   string                       `json:"error,omitempty"`
}

func runHealth(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.logger.Sync() }()

	mgr := s.newManager()
	defer mgr.Close()

	initErr := mgr.Initialize(cmd.Context())
	if initErr == nil && !s.pool.Configured() {
		initErr = fmt.Errorf("no connection target configured: %w", pgguard.ErrNotInitialized)
	}

	report := healthReport{
		Health:  mgr.GetHealthStatus(),
		Pool:    mgr.GetPoolStats(),
		Breaker: mgr.GetCircuitBreakerStatus(),
	}
	if initErr != nil {
		report.Error = initErr.Error()
	}

	out := cmd.OutOrStdout()
	if healthFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		renderHealth(out, report, isTerminal(out))
	}
	return initErr
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type healthStyles struct {
	title, label, ok, bad lipgloss.Style
}

func newHealthStyles(color bool) healthStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return healthStyles{title: plain, label: plain, ok: plain, bad: plain}
	}
	return healthStyles{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		label: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

// renderHealth writes the human-readable report.
func renderHealth(w io.Writer, r healthReport, color bool) {
	st := newHealthStyles(color)
	row := func(label, value string) string {
		return fmt.Sprintf("  %s %s", st.label.Render(fmt.Sprintf("%-13s", label+":")), value)
	}

	status := st.ok.Render("healthy")
	if !r.Health.Healthy {
		status = st.bad.Render("unhealthy")
	}

	breakerState := r.Breaker.State.String()
	if r.Breaker.State == pgguard.BreakerClosed {
		breakerState = st.ok.Render(breakerState)
	} else {
		breakerState = st.bad.Render(breakerState)
	}

	lines := []string{
		st.title.Render("Database"),
		row("Status", status),
		row("Initialized", fmt.Sprint(r.Health.Initialized)),
		"",
		st.title.Render("Pool"),
		row("Total", fmt.Sprint(r.Pool.Total)),
		row("In use", fmt.Sprint(r.Pool.InUse)),
		row("Idle", fmt.Sprint(r.Pool.Idle)),
		row("Waiting", fmt.Sprint(r.Pool.Waiting)),
		row("Max", fmt.Sprint(r.Pool.Max)),
		"",
		st.title.Render("Circuit breaker"),
		row("State", breakerState),
		row("Failures", fmt.Sprintf("%d/%d", r.Breaker.FailureCount, r.Breaker.Threshold)),
		row("Cooldown", r.Breaker.Cooldown.String()),
		row("Rejections", fmt.Sprint(r.Breaker.Rejections)),
	}
	if r.Error != "" {
		lines = append(lines, "", st.bad.Render("Error: "+r.Error))
	}

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}
