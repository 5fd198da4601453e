package libvirt

import (
	"fmt"

	libvirtxml "github.com/libvirt/libvirt-go-xml"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
)

// findDisk returns the target dev of the disk whose source is filter.File,
// or "" when no disk matches.
func findDisk(domainXML string, filter blockjob.DeviceFilter) (string, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(domainXML); err != nil {
		return "", fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if dom.Devices == nil {
		return "", nil
	}

	for _, disk := range dom.Devices.Disks {
		if disk.Target == nil || disk.Source == nil {
			continue
		}
		if diskSource(disk.Source) == filter.File {
			return disk.Target.Dev, nil
		}
	}
	return "", nil
}

func diskSource(src *libvirtxml.DomainDiskSource) string {
	switch {
	case src.File != nil:
		return src.File.File
	case src.Block != nil:
		return src.Block.Dev
	}
	return ""
}

// destinationXML describes the copy target for virDomainBlockCopy.
func destinationXML(req blockjob.MirrorRequest) (string, error) {
	disk := libvirtxml.DomainDisk{
		Driver: &libvirtxml.DomainDiskDriver{Type: req.Format},
		Source: &libvirtxml.DomainDiskSource{},
	}
	if req.BlockDevice {
		disk.Source.Block = &libvirtxml.DomainDiskSourceBlock{Dev: req.TargetPath}
	} else {
		disk.Source.File = &libvirtxml.DomainDiskSourceFile{File: req.TargetPath}
	}

	xml, err := disk.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to build destination XML: %w", err)
	}
	return xml, nil
}
