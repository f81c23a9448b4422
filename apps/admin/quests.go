package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
	"github.com/trezcool/masomo-availability/core/console"
	"github.com/trezcool/masomo-availability/core/mutation"
	appfs "github.com/trezcool/masomo-availability/fs"
	backendsvc "github.com/trezcool/masomo-availability/services/backend"
	emailsvc "github.com/trezcool/masomo-availability/services/email"
	notifysvc "github.com/trezcool/masomo-availability/services/notify"
)

var (
	isTerminalFunc = term.IsTerminal // mockable
	readLineFunc   = readLine        // mockable

	errNeedsConfirmation = errors.New("bulk actions must be confirmed on a terminal: pass --yes to skip the prompt")
)

func readLine() (string, error) {
	return bufio.NewReader(os.Stdin).ReadString('\n')
}

type viewFlags struct {
	search string
	page   int
}

func (vf *viewFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&vf.search, "search", "", "only quests whose title or description contains this")
	cmd.Flags().IntVar(&vf.page, "page", 1, "page of the (filtered) catalog")
}

func (cli *commandLine) questsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quests",
		Short: "Show and change which quests a tenant can use",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Usage()
			return errHelp
		},
	}

	var listFlags viewFlags
	listCmd := &cobra.Command{
		Use:   "list TENANT",
		Short: "List the catalog as TENANT sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cli.openSession(cmd.Context(), args[0], listFlags)
			if err != nil {
				return err
			}
			defer sess.Close()
			return cli.printView(sess)
		},
	}
	listFlags.register(listCmd)

	toggleCmd := &cobra.Command{
		Use:   "toggle TENANT QUEST...",
		Short: "Flip the availability of each quest, one after the other",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.toggle(cmd.Context(), args[0], args[1:])
		},
	}

	cmd.AddCommand(
		listCmd,
		toggleCmd,
		cli.bulkCmd(mutation.Grant, "Make the selected quests available at once"),
		cli.bulkCmd(mutation.Revoke, "Make the selected quests unavailable at once"),
	)
	return cmd
}

func (cli *commandLine) bulkCmd(action mutation.Action, short string) *cobra.Command {
	var (
		flags   viewFlags
		visible bool
		yes     bool
	)
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s TENANT [QUEST...]", action),
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.bulk(cmd.Context(), action, args[0], args[1:], flags, visible, yes)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&visible, "visible", false, "select every toggleable quest of the page")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func (cli *commandLine) newSession() *console.Session {
	client := backendsvc.NewClient(cli.conf.Backend, cli.logger)
	loader := catalog.NewLoader(client, cli.logger)
	return console.NewSession(loader, client, cli.logger, cli.notifier(), console.OptionsFromConfig(cli.conf.Console))
}

func (cli *commandLine) openSession(ctx context.Context, tenantID string, vf viewFlags) (*console.Session, error) {
	sess := cli.newSession()
	if err := sess.Open(ctx, tenantID); err != nil {
		sess.Close()
		return nil, err
	}
	sess.SetSearch(vf.search)
	sess.SetPage(vf.page)
	return sess, nil
}

// notifier logs every notice, emails failure reports when configured and prints failures only.
func (cli *commandLine) notifier() console.Notifier {
	var mailNotifier *notifysvc.MailNotifier
	if cli.conf.Console.ReportEmail != "" {
		if err := core.ParseEmailTemplates(appfs.FS, !cli.conf.Debug); err != nil {
			cli.logger.Error("parsing email templates: bulk reports will not be emailed", err)
		} else {
			if cli.mailer == nil {
				cli.mailer = emailsvc.NewEmailService(cli.conf, cli.logger)
			}
			mn, err := notifysvc.NewMailNotifierFromConfig(cli.conf, cli.mailer)
			if err != nil {
				cli.logger.Error("bulk reports will not be emailed", err)
			}
			mailNotifier = mn
		}
	}
	return notifysvc.Multi(
		notifysvc.NewLogNotifier(cli.logger),
		mailNotifier,
		&printNotifier{w: cli.out},
	)
}

type printNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// Notify drops skipped selections: they only reach the log.
func (pn *printNotifier) Notify(n console.Notice) {
	if n.Level != console.LevelError {
		return
	}
	pn.mu.Lock()
	defer pn.mu.Unlock()
	_, _ = fmt.Fprintf(pn.w, "%s: %s\n", n.Level, n.Message)
}

func (cli *commandLine) printView(sess *console.Session) error {
	vm, err := sess.View()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "tenant %s (%s)", vm.TenantID, vm.Policy)
	if vm.Search != "" {
		_, _ = fmt.Fprintf(cli.out, ", search %q", vm.Search)
	}
	_, _ = fmt.Fprintln(cli.out)

	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tAVAILABLE\tNOTE")
	for _, row := range vm.Rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", row.Resource.ID, row.Resource.Title, yesNo(row.Available), note(vm.TenantID, row))
	}
	if err = w.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "page %d/%d (%d quests)\n", vm.Page, vm.TotalPages, vm.TotalCount)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func note(tenantID string, row console.Row) string {
	switch {
	case row.Resource.OwnedBy(tenantID):
		return "own quest"
	case !row.Toggleable:
		return "locked by policy"
	case row.Pending:
		return "pending"
	case row.State == mutation.RolledBack:
		return "rolled back"
	}
	return ""
}

func (cli *commandLine) toggle(ctx context.Context, tenantID string, ids []string) error {
	sess, err := cli.openSession(ctx, tenantID, viewFlags{page: 1})
	if err != nil {
		return err
	}
	defer sess.Close()

	var failed bool
	for _, id := range ids {
		h, err := sess.Toggle(id)
		if err != nil {
			return errors.Wrapf(err, "toggling %s", id)
		}
		res, err := h.Wait(ctx)
		if err != nil {
			return err
		}
		if !res.OK() {
			failed = true
			continue
		}
		_, _ = fmt.Fprintf(cli.out, "%s %s: done\n", res.Action, id)
	}
	if failed {
		return errFailed
	}
	return nil
}

func (cli *commandLine) bulk(ctx context.Context, action mutation.Action, tenantID string, ids []string, vf viewFlags, visible, yes bool) error {
	if !yes && !isTerminalFunc(int(os.Stdin.Fd())) {
		return errNeedsConfirmation
	}

	sess, err := cli.openSession(ctx, tenantID, vf)
	if err != nil {
		return err
	}
	defer sess.Close()

	if visible {
		if err = sess.SelectAllVisible(); err != nil {
			return err
		}
	}
	selected := make(map[string]bool)
	for _, id := range sess.Selection() {
		selected[id] = true
	}
	for _, id := range ids {
		if selected[id] {
			continue
		}
		if _, err = sess.Select(id); err != nil {
			return errors.Wrapf(err, "selecting %s", id)
		}
		selected[id] = true
	}

	confirm := mutation.AutoConfirm
	if !yes {
		confirm = cli.confirmer(tenantID)
	}
	h, err := sess.ApplyToSelection(action, confirm)
	if errors.Is(err, mutation.ErrDeclined) {
		_, _ = fmt.Fprintln(cli.out, "Aborted: nothing changed.")
		return nil
	}
	if err != nil {
		return err
	}

	res, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if !res.OK() {
		return errFailed
	}
	_, _ = fmt.Fprintln(cli.out, res.Message())
	return nil
}

func (cli *commandLine) confirmer(tenantID string) mutation.Confirmer {
	return func(action mutation.Action, count int) bool {
		_, _ = fmt.Fprintf(cli.out, "%s %d quest(s) for tenant %s? [y/N] ", action, count, tenantID)
		answer, err := readLineFunc()
		if err != nil && answer == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		}
		return false
	}
}
