// Package main contains the cli implementation of the tool. It uses cobra
// package for cli tool implementation. The store's full REPL/sync surface
// is intentionally absent; this binary only exposes the two verbs the
// embedded core itself offers: transact a file of entity forms, and run a
// query file.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"atomdb/internal/core"
	"atomdb/internal/edn/form"
	"atomdb/internal/obslog"
	"atomdb/store"
)

type rootFlags struct {
	path    string
	seed    string
	verbose bool
}

func main() {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "atomdb",
		Short: "Embedded transactional datom store",
	}
	rootCmd.PersistentFlags().StringVarP(&flags.path, "db", "d", "atomdb.sqlite", "Path to the store file")
	rootCmd.PersistentFlags().StringVar(&flags.seed, "seed", "", "TOML attribute-seed file applied on first open")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(transactCmd(flags))
	rootCmd.AddCommand(queryCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openConn(ctx context.Context, flags *rootFlags) (*store.Conn, error) {
	logger := obslog.Nop()
	if flags.verbose {
		var err error
		logger, err = obslog.New(true)
		if err != nil {
			return nil, err
		}
	}
	return store.Open(ctx, store.Options{
		Path:     flags.path,
		Logger:   logger,
		SeedPath: flags.seed,
	})
}

func transactCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "transact <file.edn>",
		Short: "Transact a file of entity forms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransact(cmd.Context(), flags, args[0])
		},
	}
}

func runTransact(ctx context.Context, flags *rootFlags, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	conn, err := openConn(ctx, flags)
	if err != nil {
		return err
	}
	defer conn.Close()

	report, err := conn.TransactString(ctx, string(src))
	if err != nil {
		return err
	}
	fmt.Printf("committed tx %d with %d datoms\n", report.TxID, len(report.Datoms))
	for tempid, entid := range report.TempIDs {
		fmt.Printf("  %q -> %d\n", tempid, entid)
	}
	return nil
}

func queryCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "query <file.edn>",
		Short: "Run a query form against the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), flags, args[0])
		},
	}
}

func runQuery(ctx context.Context, flags *rootFlags, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	conn, err := openConn(ctx, flags)
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := conn.QueryString(ctx, string(src), nil)
	if err != nil {
		return err
	}
	switch res.Kind {
	case form.FindScalar:
		if res.Found {
			fmt.Println(renderCell(res.Scalar))
		}
	case form.FindTuple:
		if res.Found {
			fmt.Println(renderRow(res.Tuple))
		}
	case form.FindCollection:
		for _, c := range res.Coll {
			fmt.Println(renderCell(c))
		}
	default:
		for _, row := range res.Rows {
			fmt.Println(renderRow(row))
		}
	}
	return nil
}

func renderRow(cells []any) string {
	out := ""
	for i, c := range cells {
		if i > 0 {
			out += " "
		}
		out += renderCell(c)
	}
	return out
}

func renderCell(c any) string {
	if v, ok := c.(core.Value); ok {
		return v.Text()
	}
	return fmt.Sprintf("%v", c)
}
