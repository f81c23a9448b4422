// Package notifysvc delivers operator notices: to the log and, for failed bulk actions, by email.
package notifysvc

import (
	"fmt"
	"net/mail"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/console"
)

const bulkReportTemplate = "bulk_report"

// LogNotifier logs failures as errors and skipped selections as warnings.
type LogNotifier struct {
	logger core.Logger
}

var _ console.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger core.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (ln *LogNotifier) Notify(n console.Notice) {
	fields := map[string]interface{}{
		"tenant":   n.TenantID,
		"mutation": n.Result.MutationID,
		"action":   n.Result.Action.String(),
	}
	switch n.Level {
	case console.LevelError:
		fields["kind"] = n.Kind.String()
		fields["failed"] = n.Result.FailedIDs
		if n.Result.Err != nil {
			ln.logger.Error(n.Message, fields, n.Result.Err)
			return
		}
		ln.logger.Error(n.Message, fields)
	case console.LevelWarn:
		skipped := make([]string, 0, len(n.Result.Skipped))
		for _, s := range n.Result.Skipped {
			skipped = append(skipped, s.ResourceID)
		}
		fields["skipped"] = skipped
		ln.logger.Warn(n.Message, fields)
	default:
		ln.logger.Info(n.Message, fields)
	}
}

// BulkReport is the data of the bulk_report email template.
type BulkReport struct {
	Message   string
	TenantID  string
	Action    string
	FailedIDs []string
	Skipped   []string
}

// MailNotifier emails a report for every bulk action with failures.
type MailNotifier struct {
	mailSvc core.EmailService
	to      []mail.Address
}

var _ console.Notifier = (*MailNotifier)(nil)

func NewMailNotifier(mailSvc core.EmailService, to ...mail.Address) *MailNotifier {
	return &MailNotifier{mailSvc: mailSvc, to: to}
}

// NewMailNotifierFromConfig returns nil when no report address is configured.
func NewMailNotifierFromConfig(conf *core.Config, mailSvc core.EmailService) (*MailNotifier, error) {
	if conf.Console.ReportEmail == "" {
		return nil, nil
	}
	addrs, err := mail.ParseAddressList(conf.Console.ReportEmail)
	if err != nil {
		return nil, errors.Wrap(err, "parsing console.reportEmail")
	}
	to := make([]mail.Address, 0, len(addrs))
	for _, a := range addrs {
		to = append(to, *a)
	}
	return NewMailNotifier(mailSvc, to...), nil
}

func (mn *MailNotifier) Notify(n console.Notice) {
	if n.Level != console.LevelError || n.Result.Total < 2 || len(mn.to) == 0 {
		return
	}
	report := BulkReport{
		Message:   n.Message,
		TenantID:  n.TenantID,
		Action:    n.Result.Action.String(),
		FailedIDs: n.Result.FailedIDs,
	}
	for _, s := range n.Result.Skipped {
		report.Skipped = append(report.Skipped, s.ResourceID)
	}
	mn.mailSvc.SendMessages(&core.EmailMessage{
		To:           mn.to,
		Subject:      fmt.Sprintf("%s failed for tenant %s", n.Result.Action, n.TenantID),
		TemplateName: bulkReportTemplate,
		TemplateData: report,
	})
}

// Multi fans a notice out to every non nil notifier.
func Multi(notifiers ...console.Notifier) console.Notifier {
	var ns []console.Notifier
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if mn, ok := n.(*MailNotifier); ok && mn == nil {
			continue
		}
		ns = append(ns, n)
	}
	return console.NotifierFunc(func(n console.Notice) {
		for _, nt := range ns {
			nt.Notify(n)
		}
	})
}
