package protocol

// Notification kinds pushed over the notification channel.
const (
	NotifyPresence  = "presence"
	NotifyChatRoute = "chat-route"
)

// Notification is a server push. Presence events fill Username and Online;
// chat-route events fill Project, ChatAddr and Joined.
type Notification struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Online   bool   `json:"online,omitempty"`
	Project  string `json:"project,omitempty"`
	ChatAddr string `json:"chat-addr,omitempty"`
	Joined   bool   `json:"joined,omitempty"`
}

// PresenceEvent builds a presence notification.
func PresenceEvent(username string, online bool) Notification {
	return Notification{Type: NotifyPresence, Username: username, Online: online}
}

// ChatRouteEvent builds a chat-route notification telling a client to join
// or leave a project's chat group.
func ChatRouteEvent(project, chatAddr string, joined bool) Notification {
	return Notification{Type: NotifyChatRoute, Project: project, ChatAddr: chatAddr, Joined: joined}
}
