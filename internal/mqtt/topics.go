package mqtt

import "fmt"

func TopicTerminalOnline(prefix string) string {
	return fmt.Sprintf("%s/terminal/+/online", prefix)
}

func TopicTerminalHeartbeat(prefix string) string {
	return fmt.Sprintf("%s/terminal/+/heartbeat", prefix)
}

func TopicConversationControl(prefix string) string {
	return fmt.Sprintf("%s/conversation/+/control", prefix)
}

func TopicOnline(prefix, terminalID string) string {
	return fmt.Sprintf("%s/terminal/%s/online", prefix, terminalID)
}

func TopicHeartbeat(prefix, terminalID string) string {
	return fmt.Sprintf("%s/terminal/%s/heartbeat", prefix, terminalID)
}

func TopicState(prefix, sessionID string) string {
	return fmt.Sprintf("%s/conversation/%s/state", prefix, sessionID)
}

func TopicMessage(prefix, sessionID string) string {
	return fmt.Sprintf("%s/conversation/%s/message", prefix, sessionID)
}

func TopicError(prefix, sessionID string) string {
	return fmt.Sprintf("%s/conversation/%s/error", prefix, sessionID)
}

func TopicEnded(prefix, sessionID string) string {
	return fmt.Sprintf("%s/conversation/%s/ended", prefix, sessionID)
}

func TopicControl(prefix, sessionID string) string {
	return fmt.Sprintf("%s/conversation/%s/control", prefix, sessionID)
}
