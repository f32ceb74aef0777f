package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jask/clinicbook/internal/service"
)

// password reads the password from CLINICBOOK_PASSWORD or the first line of stdin.
func password(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv("CLINICBOOK_PASSWORD"); v != "" {
		return v, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newLoginCmd() *cobra.Command {
	var pass string
	cmd := &cobra.Command{
		Use:     "login EMAIL",
		Short:   "Sign in and download your clinics, expenses and payments",
		Example: "  CLINICBOOK_PASSWORD=secret clinicbook login rao@example.com",
		Args:    cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&pass, "password", "", "password (prefer CLINICBOOK_PASSWORD)")
	cmd.RunE = withApp(func(ctx context.Context, e *env, args []string) error {
		pw, err := password(cmd, pass)
		if err != nil {
			return err
		}
		doc, err := e.app.Auth.SignIn(ctx, service.Credentials{Email: args[0], Password: pw})
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "signed in as %s\n", doc.Name)
		if st := e.app.Resyncer.Last(); st != nil {
			fmt.Fprintf(e.out, "loaded %d clinics, %d expenses, %d payments\n", st.Clinics, st.Expenses, st.Payments)
		}
		return nil
	})
	return cmd
}

func newRegisterCmd() *cobra.Command {
	var in service.Registration
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a doctor account",
		Args:  cobra.NoArgs,
	}
	f := cmd.Flags()
	f.StringVar(&in.Name, "name", "", "full name")
	f.StringVar(&in.Email, "email", "", "email address")
	f.StringVar(&in.Phone, "phone", "", "phone number")
	f.StringVar(&in.Password, "password", "", "password (prefer CLINICBOOK_PASSWORD)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	cmd.RunE = withApp(func(ctx context.Context, e *env, _ []string) error {
		pw, err := password(cmd, in.Password)
		if err != nil {
			return err
		}
		in.Password = pw
		doc, err := e.app.Auth.Register(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "registered %s (id %s), now run: clinicbook login %s\n", doc.Name, doc.ID, doc.Email)
		return nil
	})
	return cmd
}

func newLogoutCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and wipe the local store",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard writes that have not synced yet")
	cmd.RunE = withApp(func(ctx context.Context, e *env, _ []string) error {
		err := e.app.Auth.Logout(ctx, force)
		if errors.Is(err, service.ErrPendingWrites) {
			return fmt.Errorf("%w; run clinicbook sync first or pass --force", err)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(e.out, "signed out")
		return nil
	})
	return cmd
}
