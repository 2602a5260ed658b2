package chat

import (
	"encoding/json"
)

// replyProbe captures the top-level fields that decide which reply shape a
// body has. Each field stays raw until its shape is chosen.
type replyProbe struct {
	Choices  json.RawMessage `json:"choices"`
	Response json.RawMessage `json:"response"`
	Message  json.RawMessage `json:"message"`
	Error    json.RawMessage `json:"error"`
}

type completionsReply struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type generateReply struct {
	Response *string `json:"response"`
	Message  *struct {
		Content *string `json:"content"`
	} `json:"message"`
}

// ParseReply extracts the assistant text from a successful reply body.
// The chat-completions shape is tried first, then the generate shape;
// a body matching neither is a protocol error.
func ParseReply(body []byte) (string, error) {
	var probe replyProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", ProtocolError("reply is not a JSON object: %v", err)
	}

	switch {
	case present(probe.Choices):
		return parseCompletions(body)
	case present(probe.Response), present(probe.Message):
		return parseGenerate(body)
	case present(probe.Error):
		return "", UpstreamError(200, body)
	}
	return "", ProtocolError("reply has neither choices nor response")
}

func parseCompletions(body []byte) (string, error) {
	var r completionsReply
	if err := json.Unmarshal(body, &r); err != nil {
		return "", ProtocolError("malformed choices: %v", err)
	}
	if len(r.Choices) == 0 {
		return "", ProtocolError("reply contains no choices")
	}
	content := r.Choices[0].Message.Content
	if content == nil {
		return "", ProtocolError("choices[0].message.content missing")
	}
	return *content, nil
}

func parseGenerate(body []byte) (string, error) {
	var r generateReply
	if err := json.Unmarshal(body, &r); err != nil {
		return "", ProtocolError("malformed generate reply: %v", err)
	}
	if r.Response != nil {
		return *r.Response, nil
	}
	if r.Message != nil && r.Message.Content != nil {
		return *r.Message.Content, nil
	}
	return "", ProtocolError("reply has neither response nor message.content")
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
