package escpos

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/gousb"
	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Transport is a freshly opened, single-use connection to the physical
// printer. Connections are never reused across jobs; stale handles are a
// known source of silent failures.
type Transport interface {
	io.Writer
	io.Closer

	// Name identifies the transport for logs ("usb", "file").
	Name() string
}

// ConnectionError means both transports failed. Err carries both
// underlying causes.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to printer: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Dialer opens a transport. Injectable so tests substitute a byte-capture
// device for the real hardware.
type Dialer func() (Transport, error)

// Connect attempts the primary USB transport (direct vendor/product
// addressing), then the fallback character-device path. Both failing is a
// ConnectionError carrying both causes.
func Connect(vendorHex, productHex, devicePath string) (Transport, error) {
	usbTransport, usbErr := openUSB(vendorHex, productHex)
	if usbErr == nil {
		logger.Info("Connected to printer via USB",
			zap.String("vendor_id", vendorHex),
			zap.String("product_id", productHex))
		return usbTransport, nil
	}
	logger.Warn("USB connection failed, trying device path", zap.Error(usbErr))

	fileTransport, fileErr := openFile(devicePath)
	if fileErr == nil {
		logger.Info("Connected to printer via device path", zap.String("path", devicePath))
		return fileTransport, nil
	}
	logger.Error("Device path connection failed", zap.Error(fileErr))

	return nil, &ConnectionError{Err: multierr.Append(
		fmt.Errorf("usb: %w", usbErr),
		fmt.Errorf("device path: %w", fileErr),
	)}
}

func parseHexID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid hex id %q: %w", s, err)
	}
	return uint16(v), nil
}

type usbTransport struct {
	ctx      *gousb.Context
	dev      *gousb.Device
	intfDone func()
	ep       *gousb.OutEndpoint
}

func openUSB(vendorHex, productHex string) (Transport, error) {
	vid, err := parseHexID(vendorHex)
	if err != nil {
		return nil, err
	}
	pid, err := parseHexID(productHex)
	if err != nil {
		return nil, err
	}

	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to open device %s:%s: %w", vendorHex, productHex, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device %s:%s not found", vendorHex, productHex)
	}

	// Detach the kernel lp driver while we hold the interface.
	if err := dev.SetAutoDetach(true); err != nil {
		logger.Debug("SetAutoDetach not supported", zap.Error(err))
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to claim interface: %w", err)
	}

	var ep *gousb.OutEndpoint
	for _, desc := range intf.Setting.Endpoints {
		if desc.Direction == gousb.EndpointDirectionOut {
			ep, err = intf.OutEndpoint(desc.Number)
			break
		}
	}
	if err != nil || ep == nil {
		done()
		dev.Close()
		ctx.Close()
		if err == nil {
			err = fmt.Errorf("no OUT endpoint on device %s:%s", vendorHex, productHex)
		}
		return nil, err
	}

	return &usbTransport{ctx: ctx, dev: dev, intfDone: done, ep: ep}, nil
}

func (t *usbTransport) Write(p []byte) (int, error) {
	return t.ep.Write(p)
}

func (t *usbTransport) Close() error {
	t.intfDone()
	err := t.dev.Close()
	return multierr.Append(err, t.ctx.Close())
}

func (t *usbTransport) Name() string {
	return "usb"
}

type fileTransport struct {
	f    *os.File
	path string
}

func openFile(path string) (Transport, error) {
	if path == "" {
		return nil, fmt.Errorf("no device path configured")
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &fileTransport{f: f, path: path}, nil
}

func (t *fileTransport) Write(p []byte) (int, error) {
	return t.f.Write(p)
}

func (t *fileTransport) Close() error {
	return t.f.Close()
}

func (t *fileTransport) Name() string {
	return "file"
}
