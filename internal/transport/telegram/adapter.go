package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "vidcast/internal/runtime/supervisor"
	"vidcast/internal/transport"
	logx "vidcast/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL string
	// Offline skips the getMe handshake at construction time.
	Offline bool
}

// Adapter is a transport.Messenger backed by the Telegram Bot API.
// Videos are uploaded with sendVideo and fanned out with forwardMessage.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot   *tele.Bot
	ready atomic.Bool

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

var _ transport.Messenger = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Ready reports whether the poll loop is up. Campaigns are rejected while false.
func (a *Adapter) Ready() bool { return a.ready.Load() }

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.ready.Store(false)
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.ready.Store(true)
		a.log.Info("polling started")
		a.bot.Start()
		a.ready.Store(false)
		a.log.Info("polling stopped")
		return nil
	}, 500*time.Millisecond, 10*time.Second)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	a.ready.Store(false)
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, to transport.Target, m transport.Media) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	chatID, err := ParseChatID(to.Recipient)
	if err != nil {
		return transport.MessageRef{}, err
	}
	mime := m.MimeType
	if mime == "" {
		mime = "video/mp4"
	}
	video := &tele.Video{
		File:    tele.FromDisk(m.Path),
		Caption: m.Caption,
		MIME:    mime,
	}
	msg, err := a.bot.Send(&tele.Chat{ID: chatID}, video)
	if err != nil {
		return transport.MessageRef{}, mapError(err)
	}
	if msg == nil || msg.ID == 0 {
		return transport.MessageRef{}, nil
	}
	ref := transport.MessageRef{MessageID: strconv.Itoa(msg.ID), ChatID: strconv.FormatInt(chatID, 10)}
	if msg.Chat != nil {
		ref.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	return ref, nil
}

func (a *Adapter) Forward(ctx context.Context, to transport.Target, ref transport.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := ParseChatID(to.Recipient)
	if err != nil {
		return err
	}
	fromChat, err := ParseChatID(ref.ChatID)
	if err != nil {
		return fmt.Errorf("forward source: %w", err)
	}
	_, err = a.bot.Forward(&tele.Chat{ID: chatID}, tele.StoredMessage{MessageID: ref.MessageID, ChatID: fromChat})
	return mapError(err)
}

// ParseChatID parses a Telegram chat id (negative for groups).
func ParseChatID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty chat id")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", s, err)
	}
	return id, nil
}

// mapError turns Bot API failures into transport.StatusError so Safe-Send
// can classify them without knowing about telebot.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.StatusError{
			Code:       429,
			Message:    "too many requests",
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		if recipientGone(te) {
			return fmt.Errorf("%w: %w", transport.ErrRecipientUnavailable, err)
		}
		return &transport.StatusError{Code: te.Code, Message: te.Description, Err: err}
	}
	return err
}

// Bot API refusals that concern a single chat rather than the bot account.
var recipientGoneMarkers = []string{
	"bot was blocked by the user",
	"bot was kicked",
	"user is deactivated",
	"bot can't initiate conversation",
	"bot is not a member",
	"chat not found",
	"user not found",
	"have no rights to send",
	"not enough rights to send",
}

func recipientGone(te *tele.Error) bool {
	if te.Code != 400 && te.Code != 403 {
		return false
	}
	desc := strings.ToLower(te.Description + " " + te.Message)
	for _, m := range recipientGoneMarkers {
		if strings.Contains(desc, m) {
			return true
		}
	}
	return false
}
