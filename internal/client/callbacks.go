package client

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/makeasinger/studio/internal/model"
)

// Callback stages reported by music callbacks.
const (
	CallbackTypeText     = "text"
	CallbackTypeFirst    = "first"
	CallbackTypeComplete = "complete"
	CallbackTypeError    = "error"
)

var ErrMalformedCallback = errors.New("malformed callback payload")

// MusicCallback is a parsed music or vocal-separation push.
type MusicCallback struct {
	Code         int
	Msg          string
	TaskID       string
	CallbackType string
	Tracks       []model.TrackResult
}

// Succeeded reports a complete callback with a success code.
func (c *MusicCallback) Succeeded() bool {
	return IsSuccess(c.Code) && c.CallbackType == CallbackTypeComplete
}

// Failed reports an explicit error stage or a failing code.
func (c *MusicCallback) Failed() bool {
	return c.CallbackType == CallbackTypeError || (c.Code != 0 && !IsSuccess(c.Code))
}

// CoverCallback is a parsed cover-image push.
type CoverCallback struct {
	Code   int
	Msg    string
	TaskID string
	Images []string
}

// VideoCallback is a parsed music-video push.
type VideoCallback struct {
	Code     int
	Msg      string
	TaskID   string
	VideoURL string
}

func decodeCallbackEnvelope(body []byte) (*Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, ErrMalformedCallback
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ErrMalformedCallback
	}
	return &env, nil
}

// CallbackTaskID is the cheap synchronous shape check run before a callback
// is queued. It returns "" when no task id can be found.
func CallbackTaskID(body []byte) string {
	env, err := decodeCallbackEnvelope(body)
	if err != nil {
		return ""
	}
	return ExtractTaskID(env)
}

// ParseMusicCallback decodes a music or vocal-separation callback.
func ParseMusicCallback(body []byte) (*MusicCallback, error) {
	env, err := decodeCallbackEnvelope(body)
	if err != nil {
		return nil, err
	}
	cb := &MusicCallback{Code: int(env.Code), Msg: env.message(), TaskID: ExtractTaskID(env)}
	if cb.TaskID == "" {
		return nil, ErrMalformedCallback
	}
	if isEmptyJSON(env.Data) {
		return cb, nil
	}

	var data struct {
		CallbackType string          `json:"callbackType"`
		Data         json.RawMessage `json:"data"`
		VocalInfo    *stemURLs       `json:"vocal_removal_info"`
		VocalInfoAlt *stemURLs       `json:"vocalRemovalInfo"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, ErrMalformedCallback
	}
	cb.CallbackType = data.CallbackType
	cb.Tracks = ParseTracks(data.Data)

	info := data.VocalInfo
	if info == nil {
		info = data.VocalInfoAlt
	}
	if info != nil && cb.Tracks == nil {
		cb.Tracks = info.tracks()
		if cb.CallbackType == "" && IsSuccess(cb.Code) {
			cb.CallbackType = CallbackTypeComplete
		}
	}
	return cb, nil
}

// ParseCoverCallback decodes a cover-image callback.
func ParseCoverCallback(body []byte) (*CoverCallback, error) {
	env, err := decodeCallbackEnvelope(body)
	if err != nil {
		return nil, err
	}
	cb := &CoverCallback{Code: int(env.Code), Msg: env.message(), TaskID: ExtractTaskID(env)}
	if cb.TaskID == "" {
		return nil, ErrMalformedCallback
	}
	if !isEmptyJSON(env.Data) {
		var data struct {
			Images []string `json:"images"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, ErrMalformedCallback
		}
		cb.Images = data.Images
	}
	return cb, nil
}

// ParseVideoCallback decodes a music-video callback.
func ParseVideoCallback(body []byte) (*VideoCallback, error) {
	env, err := decodeCallbackEnvelope(body)
	if err != nil {
		return nil, err
	}
	cb := &VideoCallback{Code: int(env.Code), Msg: env.message(), TaskID: ExtractTaskID(env)}
	if cb.TaskID == "" {
		return nil, ErrMalformedCallback
	}
	if !isEmptyJSON(env.Data) {
		var data struct {
			VideoURL      string `json:"video_url"`
			VideoURLCamel string `json:"videoUrl"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, ErrMalformedCallback
		}
		cb.VideoURL = firstNonEmpty(data.VideoURL, data.VideoURLCamel)
	}
	return cb, nil
}
