package neo

// SendCommand writes cmd as a request's opening bytes and waits for the
// single status byte every request kind starts with (spec §4.9, §7.4). A
// StatusRequestNotSupported or StatusRequestVersionNotSupported reply is
// translated to a *StatusError here, globally, so no Handler needs to
// special-case either one itself (spec §8 property 7). Any other status
// byte — including one above the reserved range message.go documents —
// is returned as-is for the caller's Handler to interpret; spec §4.9 step
// 5/§7.4 require request-specific status codes to fall through to the
// request's own handler rather than be treated as a protocol violation.
func SendCommand(roc *RoC, cmd Command) (StatusCode, error) {
	if err := roc.Send(func(p *Payload) { p.AddCommand(cmd) }); err != nil {
		return 0, err
	}
	status, err := ReceiveValue[StatusCode](roc)
	if err != nil {
		return 0, err
	}
	switch status {
	case StatusRequestNotSupported, StatusRequestVersionNotSupported:
		return status, &StatusError{Code: status, Addr: roc.Conn.Addr}
	default:
		return status, nil
	}
}

// sendControl writes a one-byte control message and waits for the node's
// Ack, the wire exchange every suspend/resume/stop transition requires
// (spec §4.7 step 4, §6).
func sendControl(roc *RoC, code ControlCode) error {
	if err := roc.Send(func(p *Payload) { Add(p, uint8(code)) }); err != nil {
		return err
	}
	ack, err := ReceiveValue[uint8](roc)
	if err != nil {
		return err
	}
	if ControlCode(ack) != ControlAck {
		return protocolErrorf("roc %d: expected ack for control %s, got code %d", roc.ID, code, ack)
	}
	return nil
}
