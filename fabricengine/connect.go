package fabricengine

import (
	"context"
	"fmt"
	"time"

	"github.com/nixl-go/nixl/nixl"
	"github.com/nixl-go/nixl/railmanager"
	"github.com/nixl-go/nixl/telemetry"
)

// GetConnInfo returns this agent's serialized rail endpoint names: data
// rails followed by control rails.
func (e *Engine) GetConnInfo() ([]byte, error) {
	return e.rm.SerializeConnectionInfo()
}

// LoadRemoteConnInfo parses remoteAgent's endpoint-name blob and creates a
// not-yet-connected connection entry for it, assigning it the next agent
// index.
func (e *Engine) LoadRemoteConnInfo(remoteAgent string, blob []byte) error {
	numRails := len(e.dataRails) + len(e.controlRails)
	names, err := railmanager.DeserializeConnectionInfo(blob, numRails)
	if err != nil {
		return fmt.Errorf("fabricengine: parse conn info for %s: %w", remoteAgent, err)
	}

	conn := newConnection(remoteAgent)
	for _, r := range e.dataRails {
		name, ok := names[r.ID()]
		if !ok {
			return nixl.New(nixl.KindInvalidParam, "LoadRemoteConnInfo", fmt.Errorf("missing data rail %d endpoint", r.ID()))
		}
		addr, err := r.InsertAddress(name)
		if err != nil {
			return fmt.Errorf("fabricengine: insert data rail %d address: %w", r.ID(), err)
		}
		conn.dataAddrs = append(conn.dataAddrs, addr)
	}
	for _, r := range e.controlRails {
		name, ok := names[r.ID()]
		if !ok {
			return nixl.New(nixl.KindInvalidParam, "LoadRemoteConnInfo", fmt.Errorf("missing control rail %d endpoint", r.ID()))
		}
		addr, err := r.InsertAddress(name)
		if err != nil {
			return fmt.Errorf("fabricengine: insert control rail %d address: %w", r.ID(), err)
		}
		conn.controlAddrs = append(conn.controlAddrs, addr)
	}

	e.agentMu.Lock()
	conn.agentIndex = uint16(len(e.agentNames))
	e.agentNames = append(e.agentNames, remoteAgent)
	e.agentMu.Unlock()

	e.connMu.Lock()
	e.conns[remoteAgent] = conn
	e.connMu.Unlock()
	return nil
}

// Connect drives the handshake to completion for a connection previously
// registered via LoadRemoteConnInfo, sending a ControlConnectionReq on
// control rail 0 and waiting for the matching ack. The request and
// ack payloads carry the sender's own agent name rather than a numeric
// index, since each agent assigns indices to the peers it discovers
// independently and in its own order — a name is the only identifier both
// sides already agree on.
func (e *Engine) Connect(ctx context.Context, remoteAgent string) error {
	e.connMu.Lock()
	conn, ok := e.conns[remoteAgent]
	e.connMu.Unlock()
	if !ok {
		return nixl.New(nixl.KindNotFound, "Connect", fmt.Errorf("no connection info loaded for %s", remoteAgent))
	}
	if conn.getState() == nixl.Connected {
		return nil
	}

	conn.setState(nixl.ConnectReqSent)
	if err := e.rm.PostControlMessage(e.controlRails[0].ID(), conn.controlAddrs[0], nixl.ControlConnectionReq, []byte(e.Base.LocalAgent), false); err != nil {
		conn.setState(nixl.Failed)
		wrapped := fmt.Errorf("fabricengine: post connection request: %w", err)
		e.telemetry.Metrics.ConnectionFailed(wrapped, e.metricAttrs("agent", remoteAgent))
		return wrapped
	}

	deadline := e.connectTimeout
	done := make(chan struct{})
	go func() {
		conn.mu.Lock()
		for conn.state != nixl.Connected && conn.state != nixl.Failed {
			conn.cond.Wait()
		}
		conn.mu.Unlock()
		close(done)
	}()

	if deadline < 0 {
		<-done
	} else {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			conn.setState(nixl.Failed)
			err := nixl.New(nixl.KindBackend, "Connect", fmt.Errorf("timed out waiting for %s", remoteAgent))
			e.telemetry.Metrics.ConnectionFailed(err, e.metricAttrs("agent", remoteAgent))
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if conn.getState() == nixl.Failed {
		err := nixl.New(nixl.KindBackend, "Connect", fmt.Errorf("connection to %s failed", remoteAgent))
		e.telemetry.Metrics.ConnectionFailed(err, e.metricAttrs("agent", remoteAgent))
		return err
	}
	e.telemetry.Log("connection established", telemetry.KV("agent", remoteAgent), telemetry.KV("instance", e.instanceID.String()))
	e.telemetry.Metrics.ConnectionEstablished(e.metricAttrs("agent", remoteAgent))
	return nil
}

// Disconnect sends a disconnect notice (unless this is the self-connection)
// and drops the local connection state.
func (e *Engine) Disconnect(remoteAgent string) error {
	e.connMu.Lock()
	conn, ok := e.conns[remoteAgent]
	if ok {
		delete(e.conns, remoteAgent)
	}
	e.connMu.Unlock()
	if !ok {
		return nixl.New(nixl.KindNotFound, "Disconnect", nil)
	}
	e.telemetry.Metrics.Disconnected(e.metricAttrs("agent", remoteAgent))
	if remoteAgent == e.Base.LocalAgent {
		return nil
	}
	return e.rm.PostControlMessage(e.controlRails[0].ID(), conn.controlAddrs[0], nixl.ControlDisconnectReq, []byte(e.Base.LocalAgent), false)
}

func (e *Engine) connectionByAgent(remoteAgent string) (*connection, bool) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	conn, ok := e.conns[remoteAgent]
	return conn, ok
}

// handleConnectionRequest is invoked from a control rail's Progress when a
// ControlConnectionReq is received: it replies with a ControlConnectionAck
// carrying this agent's own name so the requester can confirm the ack
// belongs to the request it sent.
func (e *Engine) handleConnectionRequest(railID int, payload []byte) {
	if len(payload) == 0 {
		return
	}
	remoteAgent := string(payload)
	conn, ok := e.connectionByAgent(remoteAgent)
	if !ok {
		return
	}
	conn.setState(nixl.ConnectAckSent)
	e.telemetry.Log("connection request received", telemetry.KV("agent", remoteAgent), telemetry.KV("rail", railID), telemetry.KV("instance", e.instanceID.String()))

	if err := e.rm.PostControlMessage(railID, conn.controlAddrs[0], nixl.ControlConnectionAck, []byte(e.Base.LocalAgent), false); err != nil {
		conn.setState(nixl.Failed)
		return
	}
	conn.setState(nixl.Connected)
}

// handleConnectionAck completes the requester side of the handshake.
func (e *Engine) handleConnectionAck(railID int, payload []byte) {
	if len(payload) == 0 {
		return
	}
	remoteAgent := string(payload)
	conn, ok := e.connectionByAgent(remoteAgent)
	if !ok {
		return
	}
	conn.setState(nixl.Connected)
	e.telemetry.Log("connection ack received", telemetry.KV("agent", remoteAgent), telemetry.KV("rail", railID), telemetry.KV("instance", e.instanceID.String()))
}

// handleDisconnect marks the sending peer's connection Disconnected. A
// Connect already waiting on that peer is not woken by this; it keeps
// waiting for Connected or Failed, or for its timeout.
func (e *Engine) handleDisconnect(railID int, payload []byte) {
	if len(payload) == 0 {
		return
	}
	remoteAgent := string(payload)
	conn, ok := e.connectionByAgent(remoteAgent)
	if !ok {
		return
	}
	conn.setState(nixl.Disconnected)
	e.telemetry.Log("disconnect received", telemetry.KV("agent", remoteAgent), telemetry.KV("rail", railID), telemetry.KV("instance", e.instanceID.String()))
}
