package supervisor

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/warlock/internal/metrics"
	"github.com/ChuLiYu/warlock/internal/protocol"
	"github.com/ChuLiYu/warlock/internal/task"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// Commands a worker may send beyond the built-in kinds.
const (
	CommandQueue = "QUEUE" // payload: types.TaskSpec; reply OK {"id": ...}
	CommandTasks = "TASKS" // reply TASKS [TaskInfo...]
)

// host is the task.Host every task of this supervisor reports to. All
// methods run on the reactor goroutine (from Task.ProcessCommand).
type host struct {
	s *Supervisor
}

func (h *host) Subscribe(id types.TaskID, event string, filter map[string]any) {
	t, err := h.s.reg.Get(id)
	if err != nil {
		return
	}
	h.s.events.Subscribe(id, event, filter, t)
}

func (h *host) Unsubscribe(id types.TaskID, event string) {
	h.s.events.Unsubscribe(id, event)
}

func (h *host) Trigger(source types.TaskID, event string, data any, echo bool) {
	exclude := source
	if echo {
		exclude = ""
	}
	n := h.s.events.Trigger(event, data, exclude, string(source))
	h.s.metrics.RecordTrigger(n)
}

// Command handles the supervisor-level custom commands.
func (h *host) Command(t *task.Task, pkt *protocol.Packet) error {
	switch strings.ToUpper(pkt.Command) {
	case CommandQueue:
		var spec types.TaskSpec
		if err := pkt.Bind(&spec); err != nil {
			return h.reply(t, string(protocol.KindError), protocol.ErrorPayload{Message: fmt.Sprintf("bad QUEUE payload: %v", err)})
		}
		queued, err := h.s.enqueue(spec, "", true)
		if err != nil {
			return h.reply(t, string(protocol.KindError), protocol.ErrorPayload{Message: err.Error()})
		}
		return h.reply(t, string(protocol.KindOK), map[string]string{"id": string(queued.ID())})

	case CommandTasks:
		return h.reply(t, CommandTasks, h.s.infos())

	default:
		return h.reply(t, string(protocol.KindError), protocol.ErrorPayload{Message: "unknown command " + pkt.Command})
	}
}

func (h *host) reply(t *task.Task, command string, payload any) error {
	h.s.metrics.RecordPacket(metrics.DirectionOut, string(protocol.KindOf(command)))
	return t.Send(command, payload)
}
