package feed

import "context"

// Interleave re-orders in so the smart and general cycles alternate
// round-robin whenever both have items waiting. A cycle with nothing queued
// never holds the other back. Each cycle queues at most perCycle items;
// when either queue is full, reading from in pauses until it drains. The
// returned channel closes once in is closed and drained, or ctx ends.
func Interleave(ctx context.Context, in <-chan Transaction, perCycle int) <-chan Transaction {
	if perCycle <= 0 {
		perCycle = 1
	}
	out := make(chan Transaction)
	go func() {
		defer close(out)

		var queues [2][]Transaction // 0 smart, 1 general
		turn := 0
		full := func() bool { return len(queues[0]) >= perCycle || len(queues[1]) >= perCycle }
		push := func(tx Transaction) {
			i := 1
			if tx.Cycle == CycleSmart {
				i = 0
			}
			queues[i] = append(queues[i], tx)
		}

		for in != nil || len(queues[0])+len(queues[1]) > 0 {
			// Take everything already waiting before choosing what to send.
		drain:
			for in != nil && !full() {
				select {
				case tx, ok := <-in:
					if !ok {
						in = nil
						break drain
					}
					push(tx)
				default:
					break drain
				}
			}

			next := -1
			for k := 0; k < 2; k++ {
				if i := (turn + k) % 2; len(queues[i]) > 0 {
					next = i
					break
				}
			}

			var send chan<- Transaction
			var head Transaction
			if next >= 0 {
				send = out
				head = queues[next][0]
			}
			recv := in
			if full() {
				recv = nil
			}

			select {
			case tx, ok := <-recv:
				if !ok {
					in = nil
					continue
				}
				push(tx)
			case send <- head:
				queues[next] = queues[next][1:]
				turn = (next + 1) % 2
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
