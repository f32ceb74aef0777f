package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/service"
)

func money(a repository.Amount) string { return fmt.Sprintf("%.2f", float64(a)) }

func idArg(args []string) (repository.ID, error) {
	id, err := repository.ParseID(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func clinicFlags(f *pflag.FlagSet, in *service.ClinicInput) {
	f.StringVar(&in.Name, "name", "", "clinic name")
	f.StringVar(&in.Address, "address", "", "street address")
	f.StringVar(&in.AdminName, "admin", "", "administrator name")
	f.StringVar(&in.ContactNo, "contact", "", "contact number")
	f.StringVar(&in.AdditionalInfo, "info", "", "additional information")
}

func newClinicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "clinics",
		Aliases: []string{"clinic"},
		Short:   "List and manage clinics",
	}

	var names bool
	list := &cobra.Command{Use: "list", Short: "List clinics", Args: cobra.NoArgs}
	list.Flags().BoolVar(&names, "names", false, "only ids and names")
	list.RunE = withApp(func(ctx context.Context, e *env, _ []string) error {
		if names {
			res, err := e.app.Clinics.Names(ctx)
			if err != nil {
				return err
			}
			note(e.out, res.Offline, 0)
			rows := make([][]string, 0, len(res.Item))
			for _, c := range res.Item {
				rows = append(rows, []string{c.ID.String(), c.Name})
			}
			render(e.out, []string{"ID", "Name"}, rows)
			return nil
		}
		res, err := e.app.Clinics.List(ctx)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, 0)
		rows := make([][]string, 0, len(res.Item))
		for _, c := range res.Item {
			rows = append(rows, []string{c.ID.String(), c.Name, c.Address, c.AdminName, c.ContactNo})
		}
		render(e.out, []string{"ID", "Name", "Address", "Admin", "Contact"}, rows)
		return nil
	})

	var addIn service.ClinicInput
	add := &cobra.Command{Use: "add", Short: "Add a clinic", Args: cobra.NoArgs}
	clinicFlags(add.Flags(), &addIn)
	add.RunE = withApp(func(ctx context.Context, e *env, _ []string) error {
		res, err := e.app.Clinics.Add(ctx, addIn)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, res.Seq)
		fmt.Fprintf(e.out, "clinic %s %q\n", res.Item.ID, res.Item.Name)
		return nil
	})

	var editIn service.ClinicInput
	edit := &cobra.Command{Use: "edit ID", Short: "Replace a clinic's details", Args: cobra.ExactArgs(1)}
	clinicFlags(edit.Flags(), &editIn)
	edit.RunE = withApp(func(ctx context.Context, e *env, args []string) error {
		id, err := idArg(args)
		if err != nil {
			return err
		}
		res, err := e.app.Clinics.Edit(ctx, id, editIn)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, res.Seq)
		fmt.Fprintf(e.out, "clinic %s updated\n", id)
		return nil
	})

	del := &cobra.Command{Use: "delete ID", Short: "Delete a clinic without expenses", Args: cobra.ExactArgs(1)}
	del.RunE = withApp(func(ctx context.Context, e *env, args []string) error {
		id, err := idArg(args)
		if err != nil {
			return err
		}
		res, err := e.app.Clinics.Delete(ctx, id)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, res.Seq)
		fmt.Fprintf(e.out, "clinic %s deleted\n", id)
		return nil
	})

	cmd.AddCommand(list, add, edit, del)
	return cmd
}

// expenseForm binds the expense flags. The clinic may be given by id or by name.
type expenseForm struct {
	clinic   string
	billed   float64
	received float64
	in       service.ExpenseInput
}

func (f *expenseForm) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.clinic, "clinic", "", "clinic id or name")
	fs.StringVar(&f.in.ExpenseDate, "date", time.Now().Format("2006-01-02"), "expense date (YYYY-MM-DD)")
	fs.StringVar(&f.in.Category, "category", "OPD", "category")
	fs.Float64Var(&f.billed, "billed", 0, "amount billed (net of TDS when --tds is set)")
	fs.BoolVar(&f.in.TDSDeducted, "tds", false, "TDS was deducted at source")
	fs.StringVar(&f.in.Notes, "notes", "", "notes")
	fs.StringVar(&f.in.PaymentMode, "mode", "", "payment mode (NEFT, UPI, Cash, Cheque, Bank Transfer)")
	fs.StringVar(&f.in.PaymentStatus, "status", "", "payment status")
	fs.Float64Var(&f.received, "received", 0, "amount already received")
}

func (f *expenseForm) input(ctx context.Context, e *env) (service.ExpenseInput, error) {
	in := f.in
	in.BilledAmount = repository.Amount(f.billed)
	in.AmountReceived = repository.Amount(f.received)
	if f.clinic != "" {
		c, err := e.app.Directory.Resolve(ctx, f.clinic)
		if err != nil {
			return in, err
		}
		in.ClinicID = c.ID
	}
	return in, nil
}

func expenseRow(x repository.Expense) []string {
	tds := ""
	if x.TDSDeducted {
		tds = money(x.TDSAmount)
	}
	return []string{
		x.ID.String(), x.Date(), x.ClinicName, x.Category,
		money(x.TotalBilled), tds, money(x.ReceivedAmount), money(x.PendingAmount), x.PaymentStatus,
	}
}

var expenseHeaders = []string{"ID", "Date", "Clinic", "Category", "Total", "TDS", "Received", "Pending", "Status"}

func newExpensesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "expenses",
		Aliases: []string{"expense"},
		Short:   "List and manage expenses",
	}

	list := &cobra.Command{Use: "list", Short: "List expenses", Args: cobra.NoArgs}
	list.RunE = withApp(func(ctx context.Context, e *env, _ []string) error {
		res, err := e.app.Expenses.List(ctx)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, 0)
		rows := make([][]string, 0, len(res.Item))
		for _, x := range res.Item {
			rows = append(rows, expenseRow(x))
		}
		render(e.out, expenseHeaders, rows)
		return nil
	})

	show := &cobra.Command{Use: "show ID", Short: "Show an expense and its payments", Args: cobra.ExactArgs(1)}
	show.RunE = withApp(func(ctx context.Context, e *env, args []string) error {
		id, err := idArg(args)
		if err != nil {
			return err
		}
		res, err := e.app.Expenses.Get(ctx, id)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, 0)
		render(e.out, expenseHeaders, [][]string{expenseRow(res.Item.Expense)})
		rows := make([][]string, 0, len(res.Item.Payments))
		for _, p := range res.Item.Payments {
			rows = append(rows, []string{p.ID.String(), p.PaymentDate, money(p.Amount)})
		}
		render(e.out, []string{"Payment", "Date", "Amount"}, rows)
		return nil
	})

	var addForm expenseForm
	add := &cobra.Command{
		Use:     "add",
		Short:   "Record an expense",
		Example: `  clinicbook expenses add --clinic "city care" --billed 900 --tds --category OPD`,
		Args:    cobra.NoArgs,
	}
	addForm.bind(add.Flags())
	add.RunE = withApp(func(ctx context.Context, e *env, _ []string) error {
		in, err := addForm.input(ctx, e)
		if err != nil {
			return err
		}
		res, err := e.app.Expenses.Add(ctx, in)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, res.Seq)
		render(e.out, expenseHeaders, [][]string{expenseRow(res.Item)})
		return nil
	})

	var editForm expenseForm
	edit := &cobra.Command{Use: "edit ID", Short: "Replace an expense's details", Args: cobra.ExactArgs(1)}
	editForm.bind(edit.Flags())
	edit.RunE = withApp(func(ctx context.Context, e *env, args []string) error {
		id, err := idArg(args)
		if err != nil {
			return err
		}
		in, err := editForm.input(ctx, e)
		if err != nil {
			return err
		}
		res, err := e.app.Expenses.Edit(ctx, id, in)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, res.Seq)
		render(e.out, expenseHeaders, [][]string{expenseRow(res.Item)})
		return nil
	})

	del := &cobra.Command{Use: "delete ID", Short: "Delete an expense", Args: cobra.ExactArgs(1)}
	del.RunE = withApp(func(ctx context.Context, e *env, args []string) error {
		id, err := idArg(args)
		if err != nil {
			return err
		}
		res, err := e.app.Expenses.Delete(ctx, id)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, res.Seq)
		fmt.Fprintf(e.out, "expense %s deleted\n", id)
		return nil
	})

	imp := &cobra.Command{
		Use:   "import FILE",
		Short: "Import expenses from CSV (date, clinic, category, billed_amount, tds, received, mode, notes)",
		Args:  cobra.ExactArgs(1),
	}
	imp.RunE = withApp(func(ctx context.Context, e *env, args []string) error {
		fh, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer fh.Close()
		res, err := e.app.Import.ImportCSV(ctx, fh)
		if err != nil {
			return err
		}
		for _, rowErr := range res.Errors {
			fmt.Fprintln(e.out, "skipped:", describe(rowErr))
		}
		fmt.Fprintf(e.out, "imported %d, duplicates %d, errors %d\n", res.Imported, res.Skipped, len(res.Errors))
		if res.Queued > 0 {
			fmt.Fprintf(e.out, "saved offline, will sync (%d queued writes)\n", res.Queued)
		}
		return nil
	})

	cmd.AddCommand(list, show, add, edit, del, imp)
	return cmd
}

func newPaymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "payments",
		Aliases: []string{"payment"},
		Short:   "Record and list payments against an expense",
	}

	var amount float64
	var date string
	add := &cobra.Command{Use: "add EXPENSE_ID", Short: "Record a payment", Args: cobra.ExactArgs(1)}
	add.Flags().Float64Var(&amount, "amount", 0, "amount received")
	add.Flags().StringVar(&date, "date", time.Now().Format("2006-01-02"), "payment date (YYYY-MM-DD)")
	add.RunE = withApp(func(ctx context.Context, e *env, args []string) error {
		id, err := idArg(args)
		if err != nil {
			return err
		}
		res, err := e.app.Payments.Add(ctx, service.PaymentInput{ExpenseID: id, Amount: repository.Amount(amount), PaymentDate: date})
		if err != nil {
			return err
		}
		note(e.out, res.Offline, res.Seq)
		fmt.Fprintf(e.out, "payment of %s recorded against expense %s\n", money(res.Item.Amount), id)
		return nil
	})

	list := &cobra.Command{Use: "list EXPENSE_ID", Short: "List payments for an expense", Args: cobra.ExactArgs(1)}
	list.RunE = withApp(func(ctx context.Context, e *env, args []string) error {
		id, err := idArg(args)
		if err != nil {
			return err
		}
		res, err := e.app.Payments.List(ctx, id)
		if err != nil {
			return err
		}
		note(e.out, res.Offline, 0)
		rows := make([][]string, 0, len(res.Item))
		for _, p := range res.Item {
			rows = append(rows, []string{p.ID.String(), p.PaymentDate, money(p.Amount)})
		}
		render(e.out, []string{"Payment", "Date", "Amount"}, rows)
		return nil
	})

	cmd.AddCommand(add, list)
	return cmd
}
