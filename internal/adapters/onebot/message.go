package onebot

import "encoding/json"

// Segment — один сегмент сообщения OneBot 11.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Text создаёт текстовый сегмент.
func Text(text string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": text}}
}

// Image создаёт сегмент изображения по локальному пути.
func Image(localPath string) Segment {
	return Segment{Type: "image", Data: map[string]any{"file": "file://" + localPath}}
}

// Node — узел пересылаемого сообщения с собственным автором и содержимым.
type Node struct {
	UserID   int64
	Nickname string
	Content  []Segment
}

// MarshalJSON сериализует узел в формат custom node из OneBot 11.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "node",
		"data": map[string]any{
			"user_id":  n.UserID,
			"nickname": n.Nickname,
			"content":  n.Content,
		},
	})
}

// Event — входящее событие сообщения из NapCat.
type Event struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	SelfID      int64  `json:"self_id"`
	GroupID     int64  `json:"group_id"`
	UserID      int64  `json:"user_id"`
	RawMessage  string `json:"raw_message"`
	Sender      struct {
		Nickname string `json:"nickname"`
		Role     string `json:"role"`
	} `json:"sender"`
}

// IsMessage сообщает, несёт ли событие текст сообщения.
func (e Event) IsMessage() bool {
	return e.PostType == "message" && (e.MessageType == "group" || e.MessageType == "private")
}

// IsGroup сообщает, пришло ли сообщение из группы.
func (e Event) IsGroup() bool {
	return e.MessageType == "group"
}
