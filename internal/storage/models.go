package storage

import "time"

type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

type Message struct {
	ID   string    `json:"id"`
	Role string    `json:"role"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Document is the full persisted state. Chats keep insertion order.
type Document struct {
	Chats []Chat `json:"chats"`
}

// Find returns the index of the chat with id, or -1.
func (d Document) Find(id string) int {
	for i := range d.Chats {
		if d.Chats[i].ID == id {
			return i
		}
	}
	return -1
}
