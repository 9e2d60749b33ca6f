package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"meshchat/internal/protocol"
	"meshchat/internal/room"
	"meshchat/internal/session"
	"meshchat/internal/transport/memory"
)

// SimulationResult summarises one in-process room run.
type SimulationResult struct {
	RoomID    string
	Members   int
	Converged time.Duration
	// Delivered counts received copies of the probe message, excluding the
	// sender's loopback.
	Delivered int
	// ViaCreator counts chat envelopes the creator sent on behalf of the
	// probe. Zero in a healthy mesh.
	ViaCreator int
}

// Simulate runs a creator and joiners on a memory network, waits for the
// mesh to form and sends one message from the last joiner.
func Simulate(ctx context.Context, joiners int, out io.Writer) (*SimulationResult, error) {
	if joiners < 1 {
		return nil, fmt.Errorf("need at least one joiner")
	}
	roomID, err := room.GenerateRoomID()
	if err != nil {
		return nil, err
	}

	net := memory.NewNetwork()
	var (
		mu        sync.Mutex
		delivered int
	)
	probe := "simulated hello"
	observer := session.ObserverFuncs{Message: func(m session.ChatMessage) {
		if !m.Local && m.Content.Text == probe {
			mu.Lock()
			delivered++
			mu.Unlock()
		}
	}}

	started := time.Now()
	sessions := make([]*session.Session, 0, joiners+1)
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()
	for i := 0; i <= joiners; i++ {
		role := room.RoleJoiner
		if i == 0 {
			role = room.RoleCreator
		}
		s, err := session.Initialize(ctx, session.Options{
			Role:              role,
			RoomID:            roomID,
			DisplayName:       fmt.Sprintf("peer-%d", i),
			Transport:         net.NewAdapter(),
			Observer:          observer,
			JoinRetryInterval: 100 * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	members := joiners + 1
	if err := waitUntil(ctx, func() bool {
		for _, s := range sessions {
			if !s.State().CanChat() || len(s.Participants()) != members {
				return false
			}
			for _, p := range s.Peers() {
				if !p.Open || p.Fingerprint == "" {
					return false
				}
			}
		}
		return true
	}); err != nil {
		return nil, fmt.Errorf("mesh did not converge: %w", err)
	}
	converged := time.Since(started)
	fmt.Fprintf(out, "🔐 %d members converged in %s\n", members, converged.Round(time.Millisecond))

	mark := net.Mark()
	sender := sessions[len(sessions)-1]
	if err := sender.Send(ctx, session.Content{Text: probe}); err != nil {
		return nil, err
	}
	if err := waitUntil(ctx, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == members-1
	}); err != nil {
		return nil, fmt.Errorf("message not delivered to everyone: %w", err)
	}

	via := 0
	for _, f := range net.FramesSince(mark) {
		if f.From != roomID {
			continue
		}
		if msg, err := protocol.Decode(f.Data); err == nil && msg.Type() == protocol.TypeChatEnvelope {
			via++
		}
	}

	res := &SimulationResult{
		RoomID:     roomID,
		Members:    members,
		Converged:  converged,
		Delivered:  delivered,
		ViaCreator: via,
	}
	fmt.Fprintf(out, "📥 message reached %d/%d peers, %d envelopes relayed by the creator\n",
		res.Delivered, members-1, res.ViaCreator)
	return res, nil
}

func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
