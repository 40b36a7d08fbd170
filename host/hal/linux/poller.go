//go:build linux

package linux

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Poller
// =============================================================================

// poller waits on a set of file descriptors with epoll and runs a callback
// for each one that becomes readable.
type poller struct {
	epfd    int               // epoll file descriptor
	wakefd  int               // eventfd for waking the poller
	mu      sync.Mutex        // Protects fds
	fds     map[int]func(int) // fd -> callback
	done    chan struct{}     // Closed by close
	stopped chan struct{}     // Closed when run returns
	started bool              // Set by start
	once    sync.Once
}

// newPoller creates a new poller instance.
func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &poller{
		epfd:    epfd,
		wakefd:  wakefd,
		fds:     make(map[int]func(int)),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// add watches fd for readability.
func (p *poller) add(fd int, callback func(int)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = callback
	return nil
}

// remove stops watching fd.
func (p *poller) remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.fds, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wake interrupts a blocked epoll_wait.
func (p *poller) wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wakefd, buf[:])
	return err
}

// start runs the dispatch loop on its own goroutine.
func (p *poller) start() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	go func() {
		if err := p.run(); err != nil {
			pkg.LogError(pkg.ComponentHAL, "poller stopped", "error", err)
		}
	}()
}

// run dispatches events until close is called.
func (p *poller) run() error {
	defer close(p.stopped)

	var events [MaxEpollEvents]unix.EpollEvent
	for {
		select {
		case <-p.done:
			return nil
		default:
		}

		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		p.dispatch(events[:n])
	}
}

// pollOnce performs a single poll iteration with timeout in milliseconds
// (-1 blocks, 0 returns immediately) and reports the callbacks run.
func (p *poller) pollOnce(timeout int) (int, error) {
	var events [MaxEpollEvents]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	return p.dispatch(events[:n]), nil
}

func (p *poller) dispatch(events []unix.EpollEvent) int {
	processed := 0
	for _, ev := range events {
		fd := int(ev.Fd)
		if fd == p.wakefd {
			var buf [8]byte
			unix.Read(p.wakefd, buf[:])
			continue
		}

		p.mu.Lock()
		callback := p.fds[fd]
		p.mu.Unlock()

		if callback != nil {
			callback(fd)
			processed++
		}
	}
	return processed
}

// close stops run and releases the epoll and wake descriptors. Watched
// descriptors are left open.
func (p *poller) close() error {
	p.once.Do(func() {
		p.mu.Lock()
		started := p.started
		p.mu.Unlock()

		close(p.done)
		p.wake()
		if started {
			<-p.stopped
		}
		unix.Close(p.wakefd)
		unix.Close(p.epfd)
	})
	return nil
}
