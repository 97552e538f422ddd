package elm327

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"elm327-scanner/common"
)

var logger = log.New(os.Stdout, "[ELM327] ", log.LstdFlags|log.Lshortfile)

var debug bool

// SetDebug включает трассировку каждого фрагмента
func SetDebug(on bool) {
	debug = on
}

const (
	DefaultTimeout   = 5000 * time.Millisecond
	DefaultPollDelay = 300 * time.Millisecond
	prompt           = '>'
)

// Link представляет канал байтов, с которым работает коррелятор. Канал Fragments,
// равный nil, включает режим опроса
type Link interface {
	Write(ctx context.Context, p []byte) error
	Fragments() <-chan []byte
	Read(ctx context.Context) ([]byte, error)
}

// Options настраивает Correlator
type Options struct {
	Timeout   time.Duration `mapstructure:"command_timeout"`
	PollDelay time.Duration `mapstructure:"poll_delay"`
}

// DefaultOptions возвращает таймаут команды 5 с и паузу опроса 300 мс
func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout, PollDelay: DefaultPollDelay}
}

// CommandOptions переопределяет политику обмена для одной команды
type CommandOptions struct {
	Timeout time.Duration
	// AllowPartial возвращает все, что пришло до дедлайна, вместо ошибки.
	// Пустой буфер всегда дает TimeoutError
	AllowPartial bool
}

type exchangeResult struct {
	response string
	err      error
}

type pendingCommand struct {
	command  string
	deadline time.Time
	result   chan exchangeResult
}

// Correlator сопоставляет каждую команду с ее ответом. В полете всегда только
// одна команда, остальные вызывающие ждут своей очереди
type Correlator struct {
	link Link
	opts Options

	turn chan struct{}

	mu            sync.Mutex
	pending       *pendingCommand
	buf           strings.Builder
	swallowPrompt bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewCorrelator начинает вычитывать фрагменты link
func NewCorrelator(link Link, opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollDelay <= 0 {
		opts.PollDelay = DefaultPollDelay
	}
	c := &Correlator{
		link: link,
		opts: opts,
		turn: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if frags := link.Fragments(); frags != nil {
		c.wg.Add(1)
		go c.drainLoop(frags)
	}
	return c
}

// Polling проверяет, нет ли у соединения канала уведомлений
func (c *Correlator) Polling() bool {
	return c.link.Fragments() == nil
}

// Send выполняет команду с политикой по умолчанию: обычный таймаут, без частичных данных
func (c *Correlator) Send(ctx context.Context, command string) (string, error) {
	return c.SendWith(ctx, command, CommandOptions{})
}

// SendWith пишет команду и ждет ее полного ответа
func (c *Correlator) SendWith(ctx context.Context, command string, opts CommandOptions) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	select {
	case c.turn <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", common.ErrLinkClosed
	}
	defer func() { <-c.turn }()

	if c.Polling() {
		return c.exchangePolling(ctx, command, timeout)
	}
	return c.exchange(ctx, command, timeout, opts.AllowPartial)
}

func (c *Correlator) exchange(ctx context.Context, command string, timeout time.Duration, allowPartial bool) (string, error) {
	p := &pendingCommand{
		command:  command,
		deadline: time.Now().Add(timeout),
		result:   make(chan exchangeResult, 1),
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return "", common.ErrLinkClosed
	default:
	}
	c.pending = p
	c.buf.Reset()
	c.mu.Unlock()

	if debug {
		logger.Printf("-> %q", command)
	}
	if err := c.link.Write(ctx, []byte(command+"\r")); err != nil {
		c.clearPending(p)
		return "", err
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case r := <-p.result:
		return r.response, r.err
	case <-ctx.Done():
		c.clearPending(p)
		return "", ctx.Err()
	case <-timer.C:
	}

	partial, stillPending := c.clearPending(p)
	if !stillPending {
		// Ответ пришел между срабатыванием таймера и блокировкой
		r := <-p.result
		return r.response, r.err
	}
	if partial != "" && allowPartial {
		logger.Printf("Command %q timed out after %v, using partial response %q", command, timeout, partial)
		return partial, nil
	}
	return "", &common.TimeoutError{Command: command, After: timeout}
}

// exchangePolling пишет команду, ждет паузу и делает одно блокирующее чтение
func (c *Correlator) exchangePolling(ctx context.Context, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.link.Write(ctx, []byte(command+"\r")); err != nil {
		return "", err
	}

	select {
	case <-time.After(c.opts.PollDelay):
	case <-ctx.Done():
		return "", &common.TimeoutError{Command: command, After: timeout}
	case <-c.done:
		return "", common.ErrLinkClosed
	}

	data, err := c.link.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", &common.TimeoutError{Command: command, After: timeout}
		}
		return "", err
	}
	if len(data) == 0 {
		return "", &common.TimeoutError{Command: command, After: timeout}
	}
	return string(data), nil
}

// clearPending отсоединяет p и возвращает накопленный частичный ответ
func (c *Correlator) clearPending(p *pendingCommand) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != p {
		return "", false
	}
	partial := c.buf.String()
	c.pending = nil
	c.buf.Reset()
	return partial, true
}

func (c *Correlator) drainLoop(frags <-chan []byte) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case frag, ok := <-frags:
			if !ok {
				c.fail(common.ErrLinkClosed)
				return
			}
			c.onFragment(frag)
		}
	}
}

func (c *Correlator) onFragment(frag []byte) {
	if debug {
		logger.Printf("<- %q", frag)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.swallowPrompt {
		i := strings.IndexByte(string(frag), prompt)
		if i >= 0 {
			frag = frag[i+1:]
			c.swallowPrompt = false
		}
	}
	if c.pending == nil {
		if len(strings.TrimSpace(string(frag))) > 0 && debug {
			logger.Printf("Discarding unsolicited data %q", frag)
		}
		return
	}

	c.buf.Write(frag)
	text := c.buf.String()
	if !IsComplete(text) {
		return
	}
	c.swallowPrompt = strings.IndexByte(text, prompt) < 0

	c.pending.result <- exchangeResult{response: text}
	c.pending = nil
	c.buf.Reset()
}

func (c *Correlator) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.pending.result <- exchangeResult{err: err}
		c.pending = nil
		c.buf.Reset()
	}
}

// Close останавливает цикл чтения и завершает ожидающую команду с ErrLinkClosed.
// Само соединение не закрывается
func (c *Correlator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
		c.fail(common.ErrLinkClosed)
		c.wg.Wait()
	})
}

// IsComplete проверяет, завершен ли буфер ответа
func IsComplete(buf string) bool {
	return strings.IndexByte(buf, prompt) >= 0 ||
		strings.Contains(buf, "ERROR") ||
		strings.Contains(buf, "UNABLE TO CONNECT") ||
		strings.Contains(buf, "NO DATA")
}
