package engine

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/VictorTagayun/PFController/protocol"
)

// Message describes one request type of the protocol
type Message struct {
	ID     uint32
	Name   string
	Format string // argument description for the dictionary, e.g. "cmd=%u data=%u"
	New    func() Request
}

// Registry maps message IDs and names to request decoders
type Registry struct {
	mu         sync.RWMutex
	messages   map[uint32]*Message
	nameToID   map[string]uint32
	dictionary string
}

// NewRegistry creates a registry holding every request of the protocol
func NewRegistry() *Registry {
	r := &Registry{
		messages: make(map[uint32]*Message),
		nameToID: make(map[string]uint32),
	}

	r.Register(MsgVersion, "get_version", "", func() Request { return &VersionRequest{} })
	r.Register(MsgCommand, "command", "cmd=%u data=%u", func() Request { return &CommandRequest{} })
	r.Register(MsgGetCalibration, "get_calibration", "", func() Request { return &GetCalibrationRequest{} })
	r.Register(MsgSetCalibration, "set_calibration", "table=14*(offset=%f mult=%f)", func() Request { return &SetCalibrationRequest{} })
	r.Register(MsgGetProtection, "get_protection", "", func() Request { return &GetProtectionRequest{} })
	r.Register(MsgSetProtection, "set_protection", "ud_min=%f ud_max=%f temp_max=%f u_min=%f u_max=%f f_min=%f f_max=%f i_rms=%f i_peak=%f", func() Request { return &SetProtectionRequest{} })
	r.Register(MsgGetCapacitor, "get_capacitor", "", func() Request { return &GetCapacitorRequest{} })
	r.Register(MsgSetCapacitor, "set_capacitor", "kp=%f ki=%f kd=%f ud_nominal=%f ud_precharge=%f", func() Request { return &SetCapacitorRequest{} })
	r.Register(MsgGetSignals, "get_signals", "", func() Request { return &GetSignalsRequest{} })
	r.Register(MsgGetRawSignals, "get_raw_signals", "", func() Request { return &GetRawSignalsRequest{} })
	r.Register(MsgGetNetParams, "get_net_params", "", func() Request { return &GetNetParamsRequest{} })
	r.Register(MsgGetState, "get_state", "", func() Request { return &GetStateRequest{} })
	r.Register(MsgGetEvents, "get_events", "after=%8u", func() Request { return &GetEventsRequest{} })
	r.Register(MsgGetStats, "get_stats", "", func() Request { return &GetStatsRequest{} })

	return r
}

// Register adds a message. Registering a known name again keeps the first
// entry and returns its ID.
func (r *Registry) Register(id uint32, name, format string, factory func() Request) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nameToID[name]; ok {
		return existing
	}

	r.messages[id] = &Message{ID: id, Name: name, Format: format, New: factory}
	r.nameToID[name] = id
	r.rebuildDictionary()
	return id
}

// Lookup returns the message registered under id
func (r *Registry) Lookup(id uint32) (*Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	return m, ok
}

// LookupName returns the ID registered under name
func (r *Registry) LookupName(name string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	return id, ok
}

// Count returns the number of registered messages
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// Decode splits a payload into its message ID and a decoded request.
// Trailing bytes after the arguments make the payload invalid.
func (r *Registry) Decode(payload []byte) (uint32, Request, error) {
	data := payload
	id, err := protocol.DecodeVLQUint(&data)
	if err != nil {
		return 0, nil, CodeInvalidPayload
	}

	m, ok := r.Lookup(id)
	if !ok || m.New == nil {
		return id, nil, CodeUnknownMessage
	}

	req := m.New()
	if err := req.decode(&data); err != nil {
		if c, ok := err.(Code); ok {
			return id, nil, c
		}
		return id, nil, CodeInvalidPayload
	}
	if len(data) != 0 {
		return id, nil, CodeInvalidPayload
	}
	return id, req, nil
}

// Dictionary lists every message as "id name format", one per line
func (r *Registry) Dictionary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dictionary
}

// rebuildDictionary must be called with the lock held
func (r *Registry) rebuildDictionary() {
	ids := make([]uint32, 0, len(r.messages))
	for id := range r.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	for _, id := range ids {
		m := r.messages[id]
		b.WriteString(strconv.FormatUint(uint64(id), 10))
		b.WriteByte(' ')
		b.WriteString(m.Name)
		if m.Format != "" {
			b.WriteByte(' ')
			b.WriteString(m.Format)
		}
		b.WriteByte('\n')
	}
	r.dictionary = b.String()
}
