package hub

import (
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
)

// ControlCommand is viewer input bound for the active AI session. The variants
// are TextCommand, AudioCommand and EndAudioCommand.
type ControlCommand interface {
	controlCommand()
}

type TextCommand struct{ Text string }

type AudioCommand struct{ Data []byte }

type EndAudioCommand struct{}

func (TextCommand) controlCommand()     {}
func (AudioCommand) controlCommand()    {}
func (EndAudioCommand) controlCommand() {}

// Control is the queue the active relay session drains.
func (h *Hub) Control() <-chan ControlCommand {
	return h.control
}

// SubmitControl queues cmd for the active source session. With no source
// connected the viewer gets an error event and nothing is queued. A full queue
// drops cmd and warns the viewer.
func (h *Hub) SubmitControl(from Conn, cmd ControlCommand) error {
	if !h.sourceConnected() {
		if from != nil {
			_ = h.sendTo(from, protocol.NewError(MessageNoSource))
		}
		return ErrNoSource
	}
	select {
	case h.control <- cmd:
		return nil
	default:
		if from != nil {
			_ = h.sendTo(from, protocol.NewWarning(MessageControlQueueFull))
		}
		return ErrControlQueueFull
	}
}

// ControlFromMessage converts a decoded viewer message into a command.
func ControlFromMessage(msg any) (ControlCommand, bool) {
	switch m := msg.(type) {
	case protocol.Text:
		return TextCommand{Text: m.Text}, true
	case protocol.Audio:
		return AudioCommand{Data: m.Data}, true
	case protocol.EndAudioStream:
		return EndAudioCommand{}, true
	default:
		return nil, false
	}
}

func (h *Hub) drainControl() int {
	n := 0
	for {
		select {
		case <-h.control:
			n++
		default:
			return n
		}
	}
}

// PendingControl is the number of queued commands.
func (h *Hub) PendingControl() int {
	return len(h.control)
}
