package host

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// Descriptor types.
const (
	DescriptorTypeDevice              = 0x01
	DescriptorTypeConfiguration       = 0x02
	DescriptorTypeString              = 0x03
	DescriptorTypeInterface           = 0x04
	DescriptorTypeEndpoint            = 0x05
	DescriptorTypeSSEndpointCompanion = 0x30
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// FeatureEndpointHalt is the ENDPOINT_HALT feature selector.
const FeatureEndpointHalt = 0x00

// Endpoint attributes.
const (
	EndpointTypeMask      = 0x03
	EndpointTypeControl   = 0x00
	EndpointTypeIsoch     = 0x01
	EndpointTypeBulk      = 0x02
	EndpointTypeInterrupt = 0x03
	EndpointDirectionIn   = 0x80
)

// Mass-storage interface identification.
const (
	ClassMassStorage     = 0x08
	SubclassSCSI         = 0x06 // SCSI transparent command set
	ProtocolBulkOnly     = 0x50
	MaxConfigurationSize = 1024
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// DeviceDescriptor is a standard device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor parses a device descriptor. The first eight bytes
// are enough to learn bMaxPacketSize0; fields past len(data) are left zero.
// Returns false if data is shorter than eight bytes.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < 8 {
		return false
	}
	*out = DeviceDescriptor{
		Length:         data[0],
		DescriptorType: data[1],
		USBVersion:     binary.LittleEndian.Uint16(data[2:4]),
		DeviceClass:    data[4],
		DeviceSubClass: data[5],
		DeviceProtocol: data[6],
		MaxPacketSize0: data[7],
	}
	if len(data) < DeviceDescriptorSize {
		return true
	}
	out.VendorID = binary.LittleEndian.Uint16(data[8:10])
	out.ProductID = binary.LittleEndian.Uint16(data[10:12])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// ControlMaxPacketSize returns the EP0 max packet size the descriptor
// declares. SuperSpeed devices report it as an exponent.
func (d *DeviceDescriptor) ControlMaxPacketSize() uint16 {
	if d.USBVersion >= 0x0300 {
		if d.MaxPacketSize0 > 15 {
			return 512
		}
		return 1 << d.MaxPacketSize0
	}
	return uint16(d.MaxPacketSize0)
}

// ConfigurationDescriptor is the header of a configuration descriptor.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ParseConfigurationDescriptor parses a configuration descriptor header.
// Returns false if data is too short.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize {
		return false
	}
	*out = ConfigurationDescriptor{
		Length:             data[0],
		DescriptorType:     data[1],
		TotalLength:        binary.LittleEndian.Uint16(data[2:4]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}
	return true
}

// InterfaceDescriptor is a standard interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
}

// ParseInterfaceDescriptor parses an interface descriptor.
// Returns false if data is too short.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize {
		return false
	}
	*out = InterfaceDescriptor{
		InterfaceNumber:   data[2],
		AlternateSetting:  data[3],
		NumEndpoints:      data[4],
		InterfaceClass:    data[5],
		InterfaceSubClass: data[6],
		InterfaceProtocol: data[7],
	}
	return true
}

// IsMassStorage reports whether the interface speaks SCSI over Bulk-Only
// Transport.
func (i *InterfaceDescriptor) IsMassStorage() bool {
	return i.InterfaceClass == ClassMassStorage &&
		i.InterfaceSubClass == SubclassSCSI &&
		i.InterfaceProtocol == ProtocolBulkOnly
}

// EndpointDescriptor is a standard endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
	MaxBurst        uint8 // from a SuperSpeed companion descriptor
}

// ParseEndpointDescriptor parses an endpoint descriptor.
// Returns false if data is too short.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize {
		return false
	}
	*out = EndpointDescriptor{
		EndpointAddress: data[2],
		Attributes:      data[3],
		MaxPacketSize:   binary.LittleEndian.Uint16(data[4:6]) & 0x7FF,
		Interval:        data[6],
	}
	return true
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// IsIn returns true for a device-to-host endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&EndpointDirectionIn != 0
}

// IsBulk returns true for a bulk endpoint.
func (e *EndpointDescriptor) IsBulk() bool {
	return e.Attributes&EndpointTypeMask == EndpointTypeBulk
}

// StorageInterface is a Bulk-Only mass-storage interface and its two bulk
// endpoints.
type StorageInterface struct {
	ConfigurationValue uint8
	Interface          InterfaceDescriptor
	BulkIn             EndpointDescriptor
	BulkOut            EndpointDescriptor
}

// FindStorageInterface walks a full configuration descriptor and returns
// the first mass-storage interface that has both a bulk IN and a bulk OUT
// endpoint.
func FindStorageInterface(config []byte) (StorageInterface, error) {
	var hdr ConfigurationDescriptor
	if !ParseConfigurationDescriptor(config, &hdr) {
		return StorageInterface{}, pkg.ErrDescriptorTooShort
	}
	if hdr.DescriptorType != DescriptorTypeConfiguration {
		return StorageInterface{}, pkg.ErrDescriptorTypeMismatch
	}
	end := min(int(hdr.TotalLength), len(config))

	var (
		si      StorageInterface
		inIface bool
		haveIn  bool
		haveOut bool
		last    *EndpointDescriptor
	)
	found := func() bool { return inIface && haveIn && haveOut }

	for off, n := int(hdr.Length), 0; off+2 <= end; off += n {
		n = int(config[off])
		if n < 2 || off+n > end {
			return StorageInterface{}, fmt.Errorf("descriptor at offset %d: %w", off, pkg.ErrDescriptorTooShort)
		}
		d := config[off : off+n]

		switch d[1] {
		case DescriptorTypeInterface:
			if found() {
				si.ConfigurationValue = hdr.ConfigurationValue
				return si, nil
			}
			var iface InterfaceDescriptor
			if ParseInterfaceDescriptor(d, &iface) {
				inIface = iface.IsMassStorage()
				si.Interface = iface
				haveIn, haveOut, last = false, false, nil
			}
		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			last = nil
			if !inIface || !ParseEndpointDescriptor(d, &ep) || !ep.IsBulk() {
				continue
			}
			if ep.IsIn() && !haveIn {
				si.BulkIn, haveIn, last = ep, true, &si.BulkIn
			} else if !ep.IsIn() && !haveOut {
				si.BulkOut, haveOut, last = ep, true, &si.BulkOut
			}
		case DescriptorTypeSSEndpointCompanion:
			if last != nil && n >= 3 {
				last.MaxBurst = d[2]
			}
		}
	}

	if !found() {
		return StorageInterface{}, pkg.ErrNoStorageDevice
	}
	si.ConfigurationValue = hdr.ConfigurationValue
	return si, nil
}
