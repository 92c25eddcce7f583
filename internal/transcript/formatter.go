package transcript

import (
	"fmt"
	"strings"

	"github.com/iambrandonn/warden/internal/protocol"
)

// Formatter formats protocol messages for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatInbound formats a client-originated message for console display
func (f *Formatter) FormatInbound(msg any) string {
	switch m := msg.(type) {
	case *protocol.Request:
		details := fmt.Sprintf("op: %s", m.Op)
		if m.TimeoutMs > 0 {
			details += fmt.Sprintf(", timeout: %dms", m.TimeoutMs)
		}
		return fmt.Sprintf("[client→warden] request %s (%s)", m.ID, details)

	case *protocol.Cancel:
		return fmt.Sprintf("[client→warden] cancel %s", m.ID)

	default:
		return fmt.Sprintf("[client→warden] %T", msg)
	}
}

// FormatOutbound formats a warden-originated message for console display
func (f *Formatter) FormatOutbound(msg any) string {
	switch m := msg.(type) {
	case *protocol.Result:
		return fmt.Sprintf("[warden→client] result %s (%d keys)", m.ID, len(m.Payload))

	case *protocol.Error:
		return fmt.Sprintf("[warden→client] error %s (%s: %s)", m.ID, m.Code, m.Message)

	case *protocol.Cancelled:
		return fmt.Sprintf("[warden→client] cancelled %s", m.ID)

	case *protocol.Progress:
		return fmt.Sprintf("[warden→client] progress %s (%d keys)", m.ID, len(m.Payload))

	case *protocol.Log:
		level := strings.ToUpper(string(m.Level))
		return fmt.Sprintf("[LOG:%s] %s", level, m.Message)

	default:
		return fmt.Sprintf("[warden→client] %T", msg)
	}
}
