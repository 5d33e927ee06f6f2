package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/makeasinger/studio/internal/model"
)

// Envelope is the provider's outer response shape. Fields are optional and
// their presence varies by endpoint.
type Envelope struct {
	Code    FlexInt         `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	TaskID  string          `json:"taskId"`
}

func (e *Envelope) message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Message
}

// FlexInt decodes a number that may arrive quoted or as null.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	if n, err := strconv.Atoi(s); err == nil {
		*f = FlexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// A non-numeric code is treated as absent.
		*f = 0
		return nil
	}
	*f = FlexInt(int(v))
	return nil
}

// FlexStatus decodes a status that is either a string or a numeric flag.
type FlexStatus string

func (f *FlexStatus) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = FlexStatus(str)
		return nil
	}
	switch s {
	case "0":
		*f = "PENDING"
	case "1":
		*f = "SUCCESS"
	default:
		*f = "FAILED"
	}
	return nil
}

// interpretEnvelope classifies a raw provider response. Success requires a 2xx
// transport status and the documented body code.
func interpretEnvelope(httpStatus int, body []byte) (*Envelope, error) {
	transportOK := httpStatus >= 200 && httpStatus < 300

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if !transportOK {
			return nil, &ProviderError{Message: defaultProviderMessage, HTTPStatus: httpStatus}
		}
		return nil, &ProviderError{Message: "malformed provider response", HTTPStatus: http.StatusBadGateway, Err: err}
	}

	code := int(env.Code)
	if transportOK && IsSuccess(code) {
		return &env, nil
	}

	msg := env.message()
	if msg == "" {
		msg = defaultProviderMessage
	}
	return nil, &ProviderError{
		Message:      msg,
		ProviderCode: code,
		HTTPStatus:   errorHTTPStatus(httpStatus, code),
	}
}

// errorHTTPStatus prefers a failing transport status, then a body code that
// looks like an HTTP error, then 502.
func errorHTTPStatus(httpStatus, code int) int {
	if httpStatus < 200 || httpStatus >= 300 {
		if httpStatus >= 400 && httpStatus <= 599 {
			return httpStatus
		}
		return http.StatusBadGateway
	}
	if code >= 400 && code <= 599 {
		return code
	}
	return http.StatusBadGateway
}

// requireTaskID turns a success envelope without a task id into an error.
func requireTaskID(env *Envelope) (string, error) {
	if id := ExtractTaskID(env); id != "" {
		return id, nil
	}
	return "", &ProviderError{Message: ErrNoTaskID.Error(), HTTPStatus: http.StatusBadGateway, Err: ErrNoTaskID}
}

// ExtractTaskID looks in every place the provider has been seen to put it.
func ExtractTaskID(env *Envelope) string {
	if id := taskIDFromData(env.Data); id != "" {
		return id
	}
	return env.TaskID
}

func taskIDFromData(data json.RawMessage) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ""
	}
	if data[0] == '"' {
		var s string
		if json.Unmarshal(data, &s) == nil {
			return s
		}
		return ""
	}
	var ids struct {
		TaskID      string `json:"taskId"`
		TaskIDSnake string `json:"task_id"`
	}
	if json.Unmarshal(data, &ids) != nil {
		return ""
	}
	return firstNonEmpty(ids.TaskID, ids.TaskIDSnake)
}

// trackJSON accepts both the camelCase status shape and the snake_case
// callback shape.
type trackJSON struct {
	ID                  string   `json:"id"`
	AudioURL            string   `json:"audioUrl"`
	AudioURLSnake       string   `json:"audio_url"`
	SourceAudioURL      string   `json:"sourceAudioUrl"`
	SourceAudioURLSnake string   `json:"source_audio_url"`
	ImageURL            string   `json:"imageUrl"`
	ImageURLSnake       string   `json:"image_url"`
	Title               string   `json:"title"`
	Tags                string   `json:"tags"`
	Duration            *float64 `json:"duration"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseTracks decodes a list of result units. Unparseable input yields nil.
func ParseTracks(raw json.RawMessage) []model.TrackResult {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var items []trackJSON
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]model.TrackResult, 0, len(items))
	for _, it := range items {
		t := model.TrackResult{
			ID:       it.ID,
			AudioURL: firstNonEmpty(it.AudioURL, it.AudioURLSnake, it.SourceAudioURL, it.SourceAudioURLSnake),
			ImageURL: firstNonEmpty(it.ImageURL, it.ImageURLSnake),
			Title:    it.Title,
			Tags:     it.Tags,
		}
		if it.Duration != nil {
			t.Duration = *it.Duration
		}
		out = append(out, t)
	}
	return out
}

func malformed(what string) error {
	return &ProviderError{Message: "malformed provider response: " + what, HTTPStatus: http.StatusBadGateway}
}

func isEmptyJSON(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// ParseMusicStatus decodes the data of a music record-info response.
func ParseMusicStatus(data json.RawMessage) (*TaskStatus, error) {
	if isEmptyJSON(data) {
		return nil, malformed("missing data")
	}
	var rec struct {
		TaskID   string `json:"taskId"`
		Status   string `json:"status"`
		Response *struct {
			SunoData json.RawMessage `json:"sunoData"`
			Data     json.RawMessage `json:"data"`
		} `json:"response"`
		ErrorMessage *string `json:"errorMessage"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, malformed("status data")
	}
	st := &TaskStatus{TaskID: rec.TaskID, Status: rec.Status}
	if rec.Response != nil {
		st.Tracks = ParseTracks(rec.Response.SunoData)
		if st.Tracks == nil {
			st.Tracks = ParseTracks(rec.Response.Data)
		}
	}
	if rec.ErrorMessage != nil {
		st.ErrorMessage = *rec.ErrorMessage
	}
	return st, nil
}

// stemURLs holds the two stems of a vocal separation in either casing.
type stemURLs struct {
	VocalURL             string `json:"vocalUrl"`
	VocalURLSnake        string `json:"vocal_url"`
	InstrumentalURL      string `json:"instrumentalUrl"`
	InstrumentalURLSnake string `json:"instrumental_url"`
}

// tracks maps stems onto result positions: 1 vocals, 2 instrumental.
func (s stemURLs) tracks() []model.TrackResult {
	vocal := firstNonEmpty(s.VocalURL, s.VocalURLSnake)
	inst := firstNonEmpty(s.InstrumentalURL, s.InstrumentalURLSnake)
	if vocal == "" && inst == "" {
		return nil
	}
	return []model.TrackResult{
		{Title: "Vocals", AudioURL: vocal},
		{Title: "Instrumental", AudioURL: inst},
	}
}

// ParseVocalSeparationStatus decodes the data of a vocal-removal record-info response.
func ParseVocalSeparationStatus(data json.RawMessage) (*TaskStatus, error) {
	if isEmptyJSON(data) {
		return nil, malformed("missing data")
	}
	var rec struct {
		TaskID      string     `json:"taskId"`
		SuccessFlag FlexStatus `json:"successFlag"`
		Status      string     `json:"status"`
		Response    *struct {
			stemURLs
			Info *stemURLs `json:"vocalRemovalInfo"`
		} `json:"response"`
		ErrorMessage *string `json:"errorMessage"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, malformed("vocal separation data")
	}
	st := &TaskStatus{TaskID: rec.TaskID, Status: firstNonEmpty(string(rec.SuccessFlag), rec.Status)}
	if rec.Response != nil {
		if rec.Response.Info != nil {
			st.Tracks = rec.Response.Info.tracks()
		}
		if st.Tracks == nil {
			st.Tracks = rec.Response.stemURLs.tracks()
		}
	}
	if rec.ErrorMessage != nil {
		st.ErrorMessage = *rec.ErrorMessage
	}
	return st, nil
}

// ParseCoverStatus decodes the data of a cover record-info response.
func ParseCoverStatus(data json.RawMessage) (*CoverStatus, error) {
	if isEmptyJSON(data) {
		return nil, malformed("missing data")
	}
	var rec struct {
		TaskID       string     `json:"taskId"`
		ParentTaskID string     `json:"parentTaskId"`
		SuccessFlag  FlexStatus `json:"successFlag"`
		Response     *struct {
			Images []string `json:"images"`
		} `json:"response"`
		ErrorMessage *string `json:"errorMessage"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, malformed("cover data")
	}
	st := &CoverStatus{TaskID: rec.TaskID, ParentTaskID: rec.ParentTaskID, Status: string(rec.SuccessFlag)}
	if rec.Response != nil {
		st.Images = rec.Response.Images
	}
	if rec.ErrorMessage != nil {
		st.ErrorMessage = *rec.ErrorMessage
	}
	return st, nil
}

// ParseVideoStatus decodes the data of an mp4 record-info response.
func ParseVideoStatus(data json.RawMessage) (*VideoStatus, error) {
	if isEmptyJSON(data) {
		return nil, malformed("missing data")
	}
	var rec struct {
		TaskID       string     `json:"taskId"`
		ParentTaskID string     `json:"parentTaskId"`
		MusicID      string     `json:"musicId"`
		SuccessFlag  FlexStatus `json:"successFlag"`
		Response     *struct {
			VideoURL      string `json:"videoUrl"`
			VideoURLSnake string `json:"video_url"`
		} `json:"response"`
		ErrorMessage *string `json:"errorMessage"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, malformed("video data")
	}
	st := &VideoStatus{
		TaskID:       rec.TaskID,
		ParentTaskID: rec.ParentTaskID,
		MusicID:      rec.MusicID,
		Status:       string(rec.SuccessFlag),
	}
	if rec.Response != nil {
		st.VideoURL = firstNonEmpty(rec.Response.VideoURL, rec.Response.VideoURLSnake)
	}
	if rec.ErrorMessage != nil {
		st.ErrorMessage = *rec.ErrorMessage
	}
	return st, nil
}
