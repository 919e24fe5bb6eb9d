package domain

// Inbound is a transport-neutral message received from the messaging platform.
type Inbound struct {
	UpdateID  int64
	ChatID    int64
	UserID    int64
	FirstName string
	Text      string

	// Voice is set when the message carries a voice note instead of text.
	Voice *VoiceNote
}

// VoiceNote references an audio file held by the transport.
type VoiceNote struct {
	FileID   string
	MimeType string
	Duration int
}

// Command returns the bot command ("/start", "/olvidar") without any
// "@botname" suffix, or "" when the text is not a command.
func (in Inbound) Command() string {
	if len(in.Text) < 2 || in.Text[0] != '/' {
		return ""
	}
	cmd := in.Text
	for i, c := range cmd {
		if c == ' ' || c == '\n' || c == '@' {
			cmd = cmd[:i]
			break
		}
	}
	return cmd
}
