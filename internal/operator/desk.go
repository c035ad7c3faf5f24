// Package operator implements the human operator's side of the agent: lead
// reports, block controls, application cards and operator-channel commands.
package operator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lead-agent/internal/delivery"
	"lead-agent/internal/domain"
	"lead-agent/internal/intent"
	"lead-agent/internal/leads"
	"lead-agent/internal/metrics"
	"lead-agent/internal/repository"
	"lead-agent/internal/retry"
	"lead-agent/internal/transport"
	"lead-agent/internal/usecase"
)

const callNoteChars = 200

// Store is the part of the durable store the desk reads and links threads in.
type Store interface {
	History(id int64) []domain.Turn
	Status(id int64) domain.LeadStatus
	IsBlocked(id int64) bool
	FollowUp(id int64) (domain.FollowUpRecord, bool)
	Preference(id int64) domain.Preference
	UsernameFor(id int64) string
	LookupUsername(username string) (int64, bool)
	LinkThread(ctx context.Context, threadID, recipientID int64) error
	ThreadRecipient(threadID int64) (int64, bool)
	ThreadFor(recipientID int64) (int64, bool)
}

// Sender posts to the operator channel.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error)
}

type Leads interface {
	Block(ctx context.Context, id int64) error
	Unblock(ctx context.Context, id int64) error
}

type Conversation interface {
	Temperature(ctx context.Context, id int64) string
	Push(ctx context.Context, id int64, request string) (string, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, r domain.Recipient, text string, opts delivery.Options) error
}

// Canceller drops a recipient's pending inbound batch.
type Canceller interface {
	Cancel(recipientID int64)
}

// GroupMessage is an operator-channel message addressed to the agent.
type GroupMessage struct {
	MessageID   int64
	Text        string
	ReplyToID   int64
	ReplyToText string
}

type Desk struct {
	store       Store
	sender      Sender
	leads       Leads
	conv        Conversation
	deliver     Deliverer
	cancel      Canceller
	exec        *retry.Executor
	chatID      int64
	maxAttempts int
	log         zerolog.Logger
}

// Option customises a Desk.
type Option func(*Desk)

// WithSendRetry sets the executor for operator-channel posts.
func WithSendRetry(exec *retry.Executor) Option {
	return func(d *Desk) { d.exec = exec }
}

func NewDesk(store Store, sender Sender, lm Leads, conv Conversation, deliver Deliverer, operatorChatID int64, maxAttempts int, log zerolog.Logger, opts ...Option) (*Desk, error) {
	if store == nil {
		return nil, errors.New("operator: store must not be nil")
	}
	if sender == nil {
		return nil, errors.New("operator: sender must not be nil")
	}
	if lm == nil {
		return nil, errors.New("operator: lead machine must not be nil")
	}
	if conv == nil {
		return nil, errors.New("operator: conversation must not be nil")
	}
	if deliver == nil {
		return nil, errors.New("operator: deliverer must not be nil")
	}
	d := &Desk{
		store:       store,
		sender:      sender,
		leads:       lm,
		conv:        conv,
		deliver:     deliver,
		chatID:      operatorChatID,
		maxAttempts: maxAttempts,
		log:         log,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.exec == nil {
		d.exec = retry.NewExecutor("operator_send", retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Jitter:      time.Second,
			MaxWait:     time.Minute,
		}, log)
	}
	return d, nil
}

// post sends text to the operator channel, waiting out flood limits.
func (d *Desk) post(ctx context.Context, text string, replyTo int64) (int64, error) {
	return retry.Do(ctx, d.exec, func(ctx context.Context) (int64, error) {
		return d.sender.SendText(ctx, d.chatID, text, replyTo)
	}, transport.Classify)
}

// SetCanceller attaches the aggregator once it exists; it is built after the
// desk because its handler reaches the desk.
func (d *Desk) SetCanceller(c Canceller) { d.cancel = c }

func (d *Desk) recipient(id int64) domain.Recipient {
	return domain.Recipient{ID: id, Username: d.store.UsernameFor(id)}
}

func (d *Desk) known(id int64) bool {
	if len(d.store.History(id)) > 0 || d.store.IsBlocked(id) {
		return true
	}
	if _, ok := d.store.FollowUp(id); ok {
		return true
	}
	return d.store.Status(id) != domain.StatusActive
}

func (d *Desk) record(id int64) repository.LeadRecord {
	rec := repository.LeadRecord{
		RecipientID: id,
		History:     d.store.History(id),
		Status:      d.store.Status(id),
		Blocked:     d.store.IsBlocked(id),
		Preference:  d.store.Preference(id),
	}
	rec.FollowUp, rec.HasFollowUp = d.store.FollowUp(id)
	return rec
}

// StatusReport renders the operator report for one lead.
func (d *Desk) StatusReport(ctx context.Context, id int64) (string, error) {
	if !d.known(id) {
		return "", usecase.NewError(usecase.ErrorNotFound, "lead_not_found", nil)
	}
	rec := d.record(id)
	return FormatReport(rec, d.store.UsernameFor(id), d.conv.Temperature(ctx, id), d.maxAttempts), nil
}

func transitionError(op string, err error) error {
	if errors.Is(err, leads.ErrInvalidTransition) {
		return usecase.NewError(usecase.ErrorInvalidInput, "invalid_transition", err)
	}
	return fmt.Errorf("operator: %s: %w", op, err)
}

// Block stops all contact with the recipient and drops any pending batch.
func (d *Desk) Block(ctx context.Context, id int64) error {
	if err := d.leads.Block(ctx, id); err != nil {
		return transitionError("block", err)
	}
	if d.cancel != nil {
		d.cancel.Cancel(id)
	}
	d.log.Info().Int64("recipient", id).Msg("recipient blocked by operator")
	return nil
}

func (d *Desk) Unblock(ctx context.Context, id int64) error {
	if err := d.leads.Unblock(ctx, id); err != nil {
		return transitionError("unblock", err)
	}
	d.log.Info().Int64("recipient", id).Msg("recipient unblocked by operator")
	return nil
}

func formatApplication(r domain.Recipient, app domain.Application, parsed bool, raw string, invalid error) string {
	var b strings.Builder
	if !parsed {
		b.WriteString("New application (unrecognised format)\n")
		fmt.Fprintf(&b, "Client: %s (ID: %d)\n\n", r.Handle(), r.ID)
		b.WriteString(strings.TrimSpace(intent.StripApplicationMarker(raw)))
		return b.String()
	}
	b.WriteString("New application\n")
	fmt.Fprintf(&b, "Client: %s (ID: %d)\n", r.Handle(), r.ID)
	fmt.Fprintf(&b, "Name: %s\n", app.Name)
	fmt.Fprintf(&b, "Phone: %s\n", app.Phone)
	if app.Email != "" {
		fmt.Fprintf(&b, "Email: %s\n", app.Email)
	}
	if app.Country != "" {
		fmt.Fprintf(&b, "Country: %s\n", app.Country)
	}
	if app.CallTime != "" {
		fmt.Fprintf(&b, "Call time: %s\n", app.CallTime)
	}
	if invalid != nil {
		fmt.Fprintf(&b, "Check the data: %v\n", invalid)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ForwardApplication posts the captured application to the operator channel
// and links the card to the recipient so replies to it reach them.
func (d *Desk) ForwardApplication(ctx context.Context, r domain.Recipient, rawReply string) error {
	app, parsed := intent.ParseApplication(rawReply)
	var invalid error
	if parsed {
		invalid = intent.ValidateApplication(app)
	}
	valid := parsed && invalid == nil
	metrics.Applications.WithLabelValues(strconv.FormatBool(valid)).Inc()

	msgID, err := d.post(ctx, formatApplication(r, app, parsed, rawReply, invalid), 0)
	if err != nil {
		return fmt.Errorf("operator: forward application: %w", err)
	}
	if err := d.store.LinkThread(ctx, msgID, r.ID); err != nil {
		return fmt.Errorf("operator: link thread: %w", err)
	}
	d.log.Info().Int64("recipient", r.ID).Bool("valid", valid).Msg("application forwarded")
	return nil
}

func (d *Desk) notify(ctx context.Context, r domain.Recipient, text string) {
	replyTo, _ := d.store.ThreadFor(r.ID)
	if _, err := d.post(ctx, text, replyTo); err != nil {
		d.log.Error().Err(err).Int64("recipient", r.ID).Msg("operator notification failed")
	}
}

func statusLabel(status domain.LeadStatus) string {
	switch status {
	case domain.StatusClientBlocked:
		return "client blocked the bot"
	case domain.StatusChatDeleted:
		return "chat deleted"
	}
	return string(status)
}

// NotifyUnreachable tells the operator a recipient can no longer be reached.
func (d *Desk) NotifyUnreachable(ctx context.Context, r domain.Recipient, status domain.LeadStatus, reason string) {
	text := fmt.Sprintf("Lead %s (ID: %d) is unreachable: %s", r.Handle(), r.ID, statusLabel(status))
	if reason != "" {
		text += "\n" + reason
	}
	d.notify(ctx, r, text)
}

// NotifyCallAgreed tells the operator the recipient agreed to a call.
func (d *Desk) NotifyCallAgreed(ctx context.Context, r domain.Recipient, text string) {
	metrics.CallAgreements.Inc()
	d.notify(ctx, r, fmt.Sprintf("Lead %s (ID: %d) agreed to a call.\nClient: %s",
		r.Handle(), r.ID, truncateRunes(text, callNoteChars)))
}

type commandKind int

const (
	commandPush commandKind = iota
	commandBlock
	commandUnblock
	commandStatus
)

var commandWords = map[string]commandKind{
	"block":          commandBlock,
	"ban":            commandBlock,
	"бан":            commandBlock,
	"заблокировать":  commandBlock,
	"блок":           commandBlock,
	"unblock":        commandUnblock,
	"unban":          commandUnblock,
	"анблок":         commandUnblock,
	"разблокировать": commandUnblock,
	"разблок":        commandUnblock,
}

// statusPhrases anywhere in an instruction turn it into a status question.
var statusPhrases = []string{
	"status", "статус", "info", "инфо",
	"что с этим", "что с ним", "что с клиентом", "на каком этапе", "что там", "как дела",
	"?",
}

func parseCommand(text string) commandKind {
	word := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "!")))
	if k, ok := commandWords[word]; ok {
		return k
	}
	if word == "" {
		return commandStatus
	}
	for _, p := range statusPhrases {
		if strings.Contains(word, p) {
			return commandStatus
		}
	}
	return commandPush
}

// HandleCommand runs an operator instruction for one recipient and returns
// the confirmation for the operator. Anything that is neither a control
// keyword nor a status question is a request to write to the recipient.
func (d *Desk) HandleCommand(ctx context.Context, id int64, text string) (string, error) {
	r := d.recipient(id)
	switch parseCommand(text) {
	case commandBlock:
		if err := d.Block(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Lead %s (ID: %d) blocked.", r.Handle(), id), nil
	case commandUnblock:
		if err := d.Unblock(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Lead %s (ID: %d) unblocked.", r.Handle(), id), nil
	case commandStatus:
		return d.StatusReport(ctx, id)
	}

	status := d.store.Status(id)
	if status.Terminal() {
		return "", usecase.NewError(usecase.ErrorUnreachable, string(status), nil)
	}
	if status == domain.StatusBlocked || d.store.IsBlocked(id) {
		return "", usecase.NewError(usecase.ErrorInvalidInput, "recipient_blocked", nil)
	}
	msg, err := d.conv.Push(ctx, id, text)
	if err != nil {
		return "", err
	}
	if err := d.deliver.Deliver(ctx, r, msg, delivery.Options{}); err != nil {
		if delivery.IsUnreachable(err) {
			return "", usecase.NewError(usecase.ErrorUnreachable, "delivery", err)
		}
		return "", usecase.NewError(usecase.ErrorUpstream, "delivery", err)
	}
	return fmt.Sprintf("Sent to %s (ID: %d):\n%s", r.Handle(), id, msg), nil
}

// ResolveRecipient finds the recipient an operator message refers to: an
// "ID: n" reference first, then a username or t.me link.
func (d *Desk) ResolveRecipient(text string) (int64, bool) {
	if raw, ok := intent.ExtractRecipientID(text); ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id, true
		}
	}
	if name, ok := intent.ExtractUsername(text); ok {
		return d.store.LookupUsername(name)
	}
	return 0, false
}

func (d *Desk) resolveReply(m GroupMessage) (int64, bool) {
	if id, ok := d.store.ThreadRecipient(m.ReplyToID); ok {
		return id, true
	}
	return d.ResolveRecipient(m.ReplyToText)
}

// resolveReference reads "!<keyword> <id|@username>".
func (d *Desk) resolveReference(ref string) (int64, bool) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return id, true
	}
	if id, ok := d.ResolveRecipient(ref); ok {
		return id, true
	}
	return d.store.LookupUsername(ref)
}

func describe(err error) string {
	code, ok := usecase.CodeOf(err)
	if !ok {
		return "Error: internal error"
	}
	switch code {
	case usecase.ErrorNotFound:
		return "Error: lead not found"
	case usecase.ErrorUnreachable:
		return "Error: the lead is unreachable"
	case usecase.ErrorInvalidInput:
		return "Error: not allowed for this lead"
	case usecase.ErrorRateLimited:
		return "Error: generation is rate limited, try again later"
	}
	return "Error: " + strings.ToLower(string(code))
}

// HandleGroupMessage routes an operator-channel message. Replies to the
// agent's messages are commands for the lead they refer to; other messages
// are only handled when they start with "!".
func (d *Desk) HandleGroupMessage(ctx context.Context, m GroupMessage) error {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return nil
	}

	var (
		id      int64
		ok      bool
		command string
	)
	switch {
	case m.ReplyToID != 0:
		id, ok = d.resolveReply(m)
		command = strings.TrimSpace(strings.TrimPrefix(text, "!"))
		if !ok {
			_, err := d.post(ctx, "Could not identify the lead for this message.", m.MessageID)
			return err
		}
	case strings.HasPrefix(text, "!"):
		fields := strings.Fields(strings.TrimPrefix(text, "!"))
		if len(fields) < 2 || parseCommand(fields[0]) == commandPush {
			return nil
		}
		command = fields[0]
		id, ok = d.resolveReference(fields[1])
		if !ok {
			_, err := d.post(ctx, "Lead not found: "+fields[1], m.MessageID)
			return err
		}
	default:
		return nil
	}
	reply, err := d.HandleCommand(ctx, id, command)
	if err != nil {
		d.log.Warn().Err(err).Int64("recipient", id).Msg("operator command failed")
		reply = describe(err)
	}
	if _, sendErr := d.post(ctx, reply, m.MessageID); sendErr != nil {
		return fmt.Errorf("operator: reply to operator: %w", sendErr)
	}
	return err
}
