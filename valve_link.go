package valveautomation

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// CommandKind distinguishes the two valve controller commands.
type CommandKind int

const (
	CommandOpen CommandKind = iota
	CommandClose
)

func (k CommandKind) String() string {
	if k == CommandOpen {
		return "open"
	}
	return "close"
}

// ValveCommand opens or closes a set of valves.
type ValveCommand struct {
	Kind   CommandKind
	Valves []ValveID
}

// OpenValves builds an open command.
func OpenValves(valves []ValveID) ValveCommand {
	return ValveCommand{Kind: CommandOpen, Valves: valves}
}

// CloseValves builds a close command.
func CloseValves(valves []ValveID) ValveCommand {
	return ValveCommand{Kind: CommandClose, Valves: valves}
}

// FrameFormat selects how commands are framed on the wire.
type FrameFormat string

const (
	// FrameTagged prefixes every line with O or C: "O 10 20\n".
	FrameTagged FrameFormat = "tagged"
	// FrameLegacy sends bare id lists: "10 20\n". The firmware treats the
	// first line after connect as open and every later line as close.
	FrameLegacy FrameFormat = "legacy"
)

// Valid reports whether f names a known format. Empty means tagged.
func (f FrameFormat) Valid() bool {
	return f == "" || f == FrameTagged || f == FrameLegacy
}

// EncodeFrame renders cmd as one newline-terminated line. An empty valve set
// has no frame and yields nil.
func EncodeFrame(cmd ValveCommand, format FrameFormat) []byte {
	if len(cmd.Valves) == 0 {
		return nil
	}
	buf := make([]byte, 0, 2+len(cmd.Valves)*4)
	if format != FrameLegacy {
		if cmd.Kind == CommandOpen {
			buf = append(buf, 'O', ' ')
		} else {
			buf = append(buf, 'C', ' ')
		}
	}
	for i, v := range cmd.Valves {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = strconv.AppendUint(buf, uint64(v), 10)
	}
	return append(buf, '\n')
}

// Dialer opens the channel to the valve controller on a named port.
type Dialer func(ctx context.Context, port string) (io.WriteCloser, error)

// SerialDialer opens serial ports at the given baud rate, 8N1.
func SerialDialer(baud int) Dialer {
	if baud <= 0 {
		baud = defaultBaudRate
	}
	return func(ctx context.Context, port string) (io.WriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return serial.Open(port, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
	}
}

// DiscoverPorts lists the serial ports present on the host, sorted.
func DiscoverPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: listing serial ports: %v", ErrLink, err)
	}
	sort.Strings(ports)
	return ports, nil
}

// ValveLink is the write-only, line-oriented channel to the valve controller.
// Nothing is read back.
type ValveLink struct {
	port     string
	format   FrameFormat
	mu       sync.Mutex
	w        io.WriteCloser
	closed   atomic.Bool
	closeErr error
	once     sync.Once
}

// NewValveLink wraps an already opened channel.
func NewValveLink(port string, w io.WriteCloser, format FrameFormat) *ValveLink {
	if format == "" {
		format = FrameTagged
	}
	return &ValveLink{port: port, w: w, format: format}
}

// Port returns the name of the port the link was opened on.
func (l *ValveLink) Port() string {
	if l == nil {
		return ""
	}
	return l.port
}

// Send writes one command line. It does not wait for any acknowledgement.
func (l *ValveLink) Send(ctx context.Context, cmd ValveCommand) error {
	if l == nil {
		return fmt.Errorf("%w: no valve controller connected", ErrLink)
	}
	frame := EncodeFrame(cmd, l.format)
	if frame == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return ErrLinkClosed
	}
	n, err := l.w.Write(frame)
	if err != nil {
		if l.closed.Load() {
			return ErrLinkClosed
		}
		return fmt.Errorf("%w: writing %s to %s: %v", ErrLink, cmd.Kind, l.port, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: short write to %s: %d of %d bytes", ErrLink, l.port, n, len(frame))
	}
	return nil
}

// Close releases the port. It does not wait for an in-flight Send; closing
// the port makes that write fail with ErrLinkClosed. Safe to call repeatedly
// and on a nil link.
func (l *ValveLink) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.closed.Store(true)
		if err := l.w.Close(); err != nil {
			l.closeErr = fmt.Errorf("%w: closing %s: %v", ErrLink, l.port, err)
		}
	})
	return l.closeErr
}

// Connect tries each candidate in order and returns a link on the first port
// that opens. When none does it logs a warning and returns a nil link; the
// caller runs without valve control. The error is only ever ctx's.
func Connect(ctx context.Context, candidates []string, dial Dialer, format FrameFormat, logger logging.Logger) (*ValveLink, error) {
	for _, port := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w, err := dial(ctx, port)
		if err != nil {
			logger.Infof("failed to connect to valve controller on port %s: %v", port, err)
			continue
		}
		logger.Infof("connected to valve controller on port %s", port)
		return NewValveLink(port, w, format), nil
	}
	logger.Warnf("unable to connect to valve controller (tried %d ports)", len(candidates))
	return nil, nil
}
