package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/vvka-141/pgguard/internal/db/manager"
	"github.com/vvka-141/pgguard/internal/txn"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

var queryFlags struct {
	exec bool
	tx   bool
}

var queryCmd = &cobra.Command{
	Use:   "query SQL [args...]",
	Short: "Run one statement through the retrying executor",
	Long: `Runs SQL with positional arguments bound to $1, $2, ... Transient
failures are retried with backoff and every attempt passes through the
circuit breaker.

Rows are printed as one JSON object per line. With --exec the statement is
run as a command and the affected row count is printed instead.

With --tx the statement runs in a transaction using the isolation level and
retry budget of the transaction section in pgguard.yaml. Serialization
conflicts retry the whole transaction.`,
	Example: `  pgguard query "SELECT id, email FROM users WHERE active = $1" true
  pgguard query --exec "DELETE FROM sessions WHERE expires_at < now()"
  pgguard query --tx --exec "UPDATE accounts SET balance = balance - 10 WHERE id = $1" 7`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().BoolVar(&queryFlags.exec, "exec", false, "Execute as a command and print the affected row count")
	queryCmd.Flags().BoolVar(&queryFlags.tx, "tx", false, "Run inside a transaction configured by the transaction section")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.logger.Sync() }()

	mgr, err := s.openManager(cmd)
	if err != nil {
		return err
	}
	defer mgr.Close()

	params := make([]any, len(args)-1)
	for i, a := range args[1:] {
		params[i] = a
	}
	st := statement{sql: args[0], args: params, exec: queryFlags.exec}

	if queryFlags.tx {
		return runStatementInTx(cmd.Context(), mgr, s.tx, st, cmd.OutOrStdout())
	}
	return runStatement(cmd.Context(), mgr, st, cmd.OutOrStdout())
}

type statement struct {
	sql  string
	args []any
	exec bool
}

func runStatement(ctx context.Context, mgr *manager.Manager, st statement, out io.Writer) error {
	if st.exec {
		n, err := mgr.ExecuteRawCommand(ctx, st.sql, st.args...)
		if err != nil {
			return err
		}
		return writeAffected(out, n)
	}

	rows, err := mgr.ExecuteRawQuery(ctx, st.sql, st.args...)
	if err != nil {
		return err
	}
	return writeRows(out, rows)
}

func runStatementInTx(ctx context.Context, mgr *manager.Manager, opts pgguard.TxOptions, st statement, out io.Writer) error {
	if opts.Name == "" {
		opts.Name = "cli_query"
	}

	if st.exec {
		n, err := manager.InTransaction(ctx, mgr, opts, func(ctx context.Context, tx pgguard.Querier, _ *txn.TxContext) (int64, error) {
			tag, err := tx.Exec(ctx, st.sql, st.args...)
			return tag.RowsAffected(), err
		})
		if err != nil {
			return err
		}
		return writeAffected(out, n)
	}

	rows, err := manager.InTransaction(ctx, mgr, opts, func(ctx context.Context, tx pgguard.Querier, _ *txn.TxContext) ([]map[string]any, error) {
		rows, err := tx.Query(ctx, st.sql, st.args...)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, pgx.RowToMap)
	})
	if err != nil {
		return err
	}
	return writeRows(out, rows)
}

func writeAffected(w io.Writer, n int64) error {
	_, err := fmt.Fprintf(w, "%d row(s) affected\n", n)
	return err
}

func writeRows(w io.Writer, rows []map[string]any) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}
	return nil
}
