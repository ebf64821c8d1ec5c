package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/monerr"
	"github.com/tripwire/monitor/internal/playback"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fieldDTO struct {
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Offset        int     `json:"offset"`
	Size          int     `json:"size"`
	Alignment     int     `json:"alignment"`
	BitOffset     *uint32 `json:"bit_offset,omitempty"`
	BitWidth      *uint32 `json:"bit_width,omitempty"`
	Mask          *uint64 `json:"mask,omitempty"`
	PaddingBefore int     `json:"padding_before,omitempty"`
	PaddingAfter  int     `json:"padding_after,omitempty"`
}

func fieldToDTO(f ctype.Field) fieldDTO {
	d := fieldDTO{
		Name: f.Name, Type: f.Type.String(), Offset: f.Offset, Size: f.Size, Alignment: f.Alignment,
		PaddingBefore: f.PaddingBefore, PaddingAfter: f.PaddingAfter,
	}
	if f.Bits != nil {
		bo, bw, m := f.Bits.BitOffset, f.Bits.BitWidth, f.Bits.Mask
		d.BitOffset, d.BitWidth, d.Mask = &bo, &bw, &m
	}
	return d
}

type structDTO struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind"` // "struct" or "union"
	IsPacked  bool       `json:"is_packed,omitempty"`
	PackValue uint8      `json:"pack_value,omitempty"`
	TotalSize int        `json:"total_size"`
	Alignment int        `json:"alignment"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Fields    []fieldDTO `json:"fields"`
}

// handleGetStruct responds to GET /v1/structs/{name}: the raw declaration
// (name, pack state, dependency list, field list), no computed layout
// beyond what the registry already stores on the declaration.
func (s *Server) handleGetStruct(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if st, ok := s.registry.GetStruct(name); ok {
		dto := structDTO{Name: st.Name, Kind: "struct", IsPacked: st.IsPacked, PackValue: st.PackValue,
			TotalSize: st.TotalSize, Alignment: st.Alignment, DependsOn: st.DependsOn}
		for _, f := range st.Fields {
			dto.Fields = append(dto.Fields, fieldToDTO(f))
		}
		writeJSON(w, http.StatusOK, dto)
		return
	}
	if u, ok := s.registry.GetUnion(name); ok {
		dto := structDTO{Name: u.Name, Kind: "union", TotalSize: u.TotalSize, Alignment: u.Alignment, DependsOn: u.DependsOn}
		for _, f := range u.Members {
			dto.Fields = append(dto.Fields, fieldToDTO(f))
		}
		writeJSON(w, http.StatusOK, dto)
		return
	}
	writeError(w, http.StatusNotFound, "unknown declaration "+name)
}

// handleGetLayout responds to GET /v1/structs/{name}/layout: same shape as
// handleGetStruct, since layout fields (offset/size/bit_offset/...) live
// directly on the declaration once parsed.
func (s *Server) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	s.handleGetStruct(w, r)
}

// handleGetField responds to GET /v1/structs/{name}/fields/{path}.
func (s *Server) handleGetField(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path := chi.URLParam(r, "path")
	loc, err := s.registry.OffsetOf(name, path)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	resp := map[string]any{"offset": loc.Offset, "size": loc.Size}
	if loc.Bits != nil {
		resp["bit_offset"] = loc.Bits.BitOffset
		resp["bit_width"] = loc.Bits.BitWidth
		resp["mask"] = loc.Bits.Mask
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIndexStats responds to GET /v1/index/{stream}/stats.
func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stream")
	st, ok := s.stream(name)
	if !ok || st.Index == nil {
		writeError(w, http.StatusNotFound, "unknown stream "+name)
		return
	}
	writeJSON(w, http.StatusOK, st.Index.Stats)
}

// handlePlaybackState responds to GET /v1/playback/{stream}/state.
func (s *Server) handlePlaybackState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stream")
	st, ok := s.stream(name)
	if !ok || st.Engine == nil {
		writeError(w, http.StatusNotFound, "unknown stream "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    st.Engine.State().String(),
		"position": st.Engine.Position(),
	})
}

type commandRequest struct {
	Command   string   `json:"command"`
	Packet    *int     `json:"packet,omitempty"`
	Fraction  *float64 `json:"fraction,omitempty"`
	Timestamp *uint64  `json:"timestamp,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Loop      *bool    `json:"loop,omitempty"`
	Realtime  *bool    `json:"realtime,omitempty"`
}

// handlePlaybackCommand responds to POST /v1/playback/{stream}/command.
// The only mutation path this package introduces calls the already-
// synchronized playback.Engine command methods; no new state lives here.
func (s *Server) handlePlaybackCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stream")
	st, ok := s.stream(name)
	if !ok || st.Engine == nil {
		writeError(w, http.StatusNotFound, "unknown stream "+name)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	if err := dispatchCommand(st.Engine, req); err != nil {
		if monerr.Is(err, monerr.KindPlayback) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    st.Engine.State().String(),
		"position": st.Engine.Position(),
	})
}

func dispatchCommand(e *playback.Engine, req commandRequest) error {
	switch req.Command {
	case "play":
		return e.Play()
	case "pause":
		return e.Pause()
	case "stop":
		return e.Stop()
	case "step_forward":
		return e.StepForward()
	case "step_backward":
		return e.StepBackward()
	case "seek_to_packet":
		if req.Packet == nil {
			return monerr.New(monerr.KindPlayback, "seek_to_packet requires \"packet\"")
		}
		return e.SeekToPacket(*req.Packet)
	case "seek_to_position":
		if req.Fraction == nil {
			return monerr.New(monerr.KindPlayback, "seek_to_position requires \"fraction\"")
		}
		return e.SeekToPosition(*req.Fraction)
	case "seek_to_timestamp":
		if req.Timestamp == nil {
			return monerr.New(monerr.KindPlayback, "seek_to_timestamp requires \"timestamp\"")
		}
		return e.SeekToTimestamp(*req.Timestamp)
	case "set_speed":
		if req.Speed == nil {
			return monerr.New(monerr.KindPlayback, "set_speed requires \"speed\"")
		}
		return e.SetSpeed(*req.Speed)
	case "set_loop":
		if req.Loop == nil {
			return monerr.New(monerr.KindPlayback, "set_loop requires \"loop\"")
		}
		return e.SetLoop(*req.Loop)
	case "set_realtime":
		if req.Realtime == nil {
			return monerr.New(monerr.KindPlayback, "set_realtime requires \"realtime\"")
		}
		return e.SetRealtime(*req.Realtime)
	default:
		return monerr.New(monerr.KindPlayback, "unknown command %q", req.Command)
	}
}
