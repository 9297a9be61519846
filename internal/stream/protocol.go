package stream

// Wire message types sent by the broker. Field names are part of the protocol
// contract with clients; do not rename the JSON tags.
const (
	TypeTerminalCreated = "terminal.created"
	TypeAttachReady     = "terminal.attach.ready"
	TypeOutput          = "terminal.output"
	TypeOutputGap       = "terminal.output.gap"
)

// Application close codes. Clients pick their reconnect strategy off these, so
// they must stay distinguishable.
const (
	CloseAuthFailure              = 4001
	CloseHandshakeTimeout         = 4002
	CloseAdmissionLimit           = 4003
	CloseCatastrophicBackpressure = 4008
	CloseServerShutdown           = 4009
)

// CreatedMessage announces a freshly created terminal. The broker forwards it
// verbatim on behalf of the caller of SendCreatedAndAttach.
type CreatedMessage struct {
	Type                     string `json:"type"`
	RequestID                string `json:"requestId,omitempty"`
	TerminalID               string `json:"terminalId"`
	CreatedAt                int64  `json:"createdAt"`
	EffectiveResumeSessionID string `json:"effectiveResumeSessionId,omitempty"`
}

// AttachReadyMessage acknowledges a successful attach. It is emitted exactly
// once per attach, before any frames or gaps for that attach. HeadSeq
// advertises the server's current horizon; the client compares it with its
// local lastSeq to detect loss.
type AttachReadyMessage struct {
	Type          string `json:"type"`
	TerminalID    string `json:"terminalId"`
	HeadSeq       int64  `json:"headSeq"`
	ReplayFromSeq int64  `json:"replayFromSeq"`
	ReplayToSeq   int64  `json:"replayToSeq"`
}

// OutputMessage carries one frame of terminal output, strictly ordered by
// SeqStart per attachment.
type OutputMessage struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	SeqStart   int64  `json:"seqStart"`
	SeqEnd     int64  `json:"seqEnd"`
	Data       string `json:"data"`
}

// OutputGapMessage tells the client that [FromSeq, ToSeq] was dropped. A gap
// always precedes the next data frame so a jump in seqStart is never silent.
type OutputGapMessage struct {
	Type       string    `json:"type"`
	TerminalID string    `json:"terminalId"`
	FromSeq    int64     `json:"fromSeq"`
	ToSeq      int64     `json:"toSeq"`
	Reason     GapReason `json:"reason"`
}
