package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jask/clinicbook/internal/calc"
)

func newReportCmd() *cobra.Command {
	var (
		f         calc.Filter
		clinic    string
		page      int
		limit     int
		hospitals bool
	)
	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Totals of billed, received, pending and TDS amounts",
		Example: "  clinicbook report --category OPD --from 2025-04-01 --to 2025-04-30",
		Args:    cobra.NoArgs,
	}
	fs := cmd.Flags()
	fs.StringVar(&f.From, "from", "", "first day (YYYY-MM-DD)")
	fs.StringVar(&f.To, "to", "", "last day (YYYY-MM-DD)")
	fs.StringVar(&f.Category, "category", "", "category")
	fs.StringVar(&clinic, "clinic", "", "clinic id or name")
	fs.StringVar(&f.TDS, "tds", "", "yes or no")
	fs.StringVar(&f.PaymentStatus, "status", "", "payment status")
	fs.IntVar(&page, "page", 1, "page")
	fs.IntVar(&limit, "limit", 20, "expenses per page")
	fs.BoolVar(&hospitals, "hospitals", false, "group by clinic")

	cmd.RunE = withApp(func(ctx context.Context, e *env, _ []string) error {
		if clinic != "" {
			c, err := e.app.Directory.Resolve(ctx, clinic)
			if err != nil {
				return err
			}
			f.ClinicID = c.ID
		}
		if hospitals {
			res, err := e.app.Reports.Hospitals(ctx, f)
			if err != nil {
				return err
			}
			note(e.out, res.Offline, 0)
			rows := make([][]string, 0, len(res.Item.Hospitals))
			for _, h := range res.Item.Hospitals {
				rows = append(rows, []string{h.Name, fmt.Sprint(len(h.Expenses)), money(h.TotalBilled), money(h.TotalReceived), money(h.TotalPending), money(h.TotalTDS)})
			}
			render(e.out, []string{"Clinic", "Expenses", "Billed", "Received", "Pending", "TDS"}, rows)
			totals(e, res.Item.Totals)
			return nil
		}

		res, err := e.app.Reports.Report(ctx, f, page, limit)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, 0)
		rows := make([][]string, 0, len(res.Item.Expenses))
		for _, x := range res.Item.Expenses {
			rows = append(rows, expenseRow(x))
		}
		render(e.out, expenseHeaders, rows)
		fmt.Fprintf(e.out, "page %d of %d, %d expenses\n", res.Item.Page, res.Item.TotalPages, res.Item.Total)
		totals(e, res.Item.Totals)
		return nil
	})
	return cmd
}

func totals(e *env, t calc.Totals) {
	fmt.Fprintf(e.out, "billed %s  received %s  pending %s  tds %s\n",
		money(t.TotalBilled), money(t.TotalReceived), money(t.TotalPending), money(t.TotalTDS))
}

func newCategoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List expense categories",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, e *env, _ []string) error {
			cats, err := e.app.Reports.Categories(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, strings.Join(cats, "\n"))
			return nil
		}),
	}
}
