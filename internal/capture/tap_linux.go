//go:build linux

package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"inputlockd/internal/hotkey"
)

// linuxTap grabs keyboard devices exclusively via EVIOCGRAB. While a
// device is grabbed the kernel delivers its events only to us, so every
// event is suppressed for the rest of the system by construction; the
// filter verdict is still consulted so the state machine sees the same
// contract on every platform.
type linuxTap struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	files   []*os.File

	modifiers hotkey.Modifiers
}

func newPlatformTap() Tap {
	return &linuxTap{}
}

// Available checks that at least one keyboard device is readable.
func (t *linuxTap) Available() (bool, string) {
	devices, err := findKeyboardDevices()
	if err != nil {
		return false, fmt.Sprintf("cannot enumerate input devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard devices found"
	}
	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("keyboard device: %s", dev)
		}
	}
	return false, "cannot open keyboard devices (need 'input' group or root)"
}

// Injection points for tests; real devices cannot be grabbed in CI.
var (
	enumerateKeyboards = findKeyboardDevices
	openDevice         = func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_RDONLY, 0)
	}
	setDeviceGrab = grabDevice
)

// Start grabs every enumerated keyboard device and begins the read
// loops. Partial failure rolls back every grab already taken: the tap
// either owns the whole resource or none of it. A keyboard left
// ungrabbed would keep delivering keystrokes while the lock reports
// itself held.
func (t *linuxTap) Start(ctx context.Context, f Filter) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrAlreadyRunning
	}

	devices, err := enumerateKeyboards()
	if err != nil || len(devices) == 0 {
		return ErrTapUnavailable
	}

	var files []*os.File
	rollback := func() {
		for _, file := range files {
			setDeviceGrab(file, false)
			file.Close()
		}
	}
	for _, dev := range devices {
		file, err := openDevice(dev)
		if err != nil {
			rollback()
			if os.IsPermission(err) {
				return ErrPermissionDenied
			}
			return ErrTapUnavailable
		}
		if err := setDeviceGrab(file, true); err != nil {
			file.Close()
			rollback()
			return ErrTapUnavailable
		}
		files = append(files, file)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.files = files
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	t.modifiers = 0

	var wg sync.WaitGroup
	for _, file := range files {
		wg.Add(1)
		go func(file *os.File) {
			defer wg.Done()
			t.readLoop(loopCtx, file, f)
		}(file)
	}
	go func() {
		wg.Wait()
		close(t.done)
	}()

	return nil
}

// Stop releases every grab and closes the devices. The grab is released
// before the file is closed so no event is delivered to a dead filter.
// The wait for the read loops happens outside the mutex: a loop that is
// mid-event needs the mutex in translate to finish, so holding it across
// the wait would never return.
func (t *linuxTap) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	files := t.files
	cancel := t.cancel
	done := t.done
	t.files = nil
	t.cancel = nil
	t.running = false
	t.mu.Unlock()

	for _, file := range files {
		setDeviceGrab(file, false)
	}
	cancel()
	for _, file := range files {
		file.Close()
	}
	<-done
	return nil
}

// Enable re-grabs devices the kernel may have released. Grabs are not
// dropped by the kernel on Linux, so this is a no-op here; it exists for
// platforms whose taps time out under event pressure.
func (t *linuxTap) Enable() {}

// Linux input event constants (input-event-codes.h subset).
const (
	evKey = 0x01

	keyLeftCtrl   = 29
	keyLeftShift  = 42
	keyRightShift = 54
	keyLeftAlt    = 56
	keyCapsLock   = 58
	keyNumLock    = 69
	keyRightCtrl  = 97
	keyRightAlt   = 100
	keyLeftMeta   = 125
	keyRightMeta  = 126

	btnSide  = 0x113
	btnExtra = 0x114
)

const inputEventSize = 24 // struct input_event on 64-bit

func (t *linuxTap) readLoop(ctx context.Context, file *os.File, f Filter) {
	buf := make([]byte, inputEventSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := file.Read(buf)
		if err != nil {
			return
		}
		if n < inputEventSize {
			continue
		}

		typ := binary.LittleEndian.Uint16(buf[16:18])
		code := binary.LittleEndian.Uint16(buf[18:20])
		value := int32(binary.LittleEndian.Uint32(buf[20:24]))
		if typ != evKey {
			continue
		}

		ev, ok := t.translate(code, value)
		if !ok {
			continue
		}
		// The verdict is consulted for contract parity; a grabbed
		// device never delivers to anyone else regardless.
		_ = f.HandleEvent(ev)
	}
}

// translate converts a raw key event into a capture event, maintaining
// the modifier mask as a side effect.
func (t *linuxTap) translate(code uint16, value int32) (Event, bool) {
	const (
		up     = 0
		down   = 1
		repeat = 2
	)

	if mod, isMod := modifierBit(code); isMod {
		t.mu.Lock()
		switch {
		case mod == hotkey.ModCapsLock || mod == hotkey.ModNumLock:
			if value == down {
				t.modifiers ^= mod
			}
		case value == down:
			t.modifiers |= mod
		case value == up:
			t.modifiers &^= mod
		}
		mods := t.modifiers
		t.mu.Unlock()

		if value == repeat {
			return Event{}, false
		}
		return Event{Kind: ModifierChange, KeyCode: code, Modifiers: mods}, true
	}

	t.mu.Lock()
	mods := t.modifiers
	t.mu.Unlock()

	switch code {
	case btnSide, btnExtra:
		kind := SideButtonDown
		if value == up {
			kind = SideButtonUp
		}
		return Event{Kind: kind, KeyCode: code, Modifiers: mods}, true
	}

	switch value {
	case down:
		return Event{Kind: KeyDown, KeyCode: code, Modifiers: mods}, true
	case repeat:
		return Event{Kind: KeyDown, KeyCode: code, Modifiers: mods, Repeat: true}, true
	case up:
		return Event{Kind: KeyUp, KeyCode: code, Modifiers: mods}, true
	}
	return Event{}, false
}

func modifierBit(code uint16) (hotkey.Modifiers, bool) {
	switch code {
	case keyLeftShift, keyRightShift:
		return hotkey.ModShift, true
	case keyLeftCtrl, keyRightCtrl:
		return hotkey.ModControl, true
	case keyLeftAlt, keyRightAlt:
		return hotkey.ModAlt, true
	case keyLeftMeta, keyRightMeta:
		return hotkey.ModSuper, true
	case keyCapsLock:
		return hotkey.ModCapsLock, true
	case keyNumLock:
		return hotkey.ModNumLock, true
	}
	return 0, false
}

func grabDevice(file *os.File, grab bool) error {
	const eviocgrab = 0x40044590
	v := 0
	if grab {
		v = 1
	}
	return unix.IoctlSetPointerInt(int(file.Fd()), eviocgrab, v)
}

// findKeyboardDevices scans /proc/bus/input/devices for handlers with key
// capabilities.
func findKeyboardDevices() ([]string, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var devices []string
	scanner := bufio.NewScanner(f)
	var handler string
	isKeyboard := false

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "H: Handlers=") {
			for _, part := range strings.Fields(line) {
				if strings.HasPrefix(part, "event") {
					handler = "/dev/input/" + part
				}
			}
		}
		if strings.HasPrefix(line, "B: KEY=") && len(line) > 10 {
			isKeyboard = true
		}
		if line == "" {
			if isKeyboard && handler != "" {
				devices = append(devices, handler)
			}
			handler = ""
			isKeyboard = false
		}
	}

	matches, _ := filepath.Glob("/dev/input/by-id/*-kbd")
	devices = append(devices, matches...)

	// The by-id symlinks resolve to event nodes already listed above;
	// grabbing the same device through two paths fails with EBUSY.
	seen := make(map[string]bool, len(devices))
	uniq := devices[:0]
	for _, dev := range devices {
		resolved, err := filepath.EvalSymlinks(dev)
		if err != nil {
			resolved = dev
		}
		if seen[resolved] {
			continue
		}
		seen[resolved] = true
		uniq = append(uniq, dev)
	}

	return uniq, scanner.Err()
}
