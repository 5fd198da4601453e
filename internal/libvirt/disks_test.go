package libvirt

import (
	"testing"

	"github.com/libvirt/libvirt-go"
	libvirtxml "github.com/libvirt/libvirt-go-xml"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const guestXML = `
<domain type='kvm'>
  <name>guest1</name>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/var/lib/libvirt/images/base.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='block' device='disk'>
      <driver name='qemu' type='raw'/>
      <source dev='/dev/disk/by-path/ip-10.0.0.5:3260-iscsi-iqn.2024-01.lan:data-lun-1'/>
      <target dev='vdb' bus='virtio'/>
    </disk>
    <disk type='file' device='cdrom'>
      <target dev='sda' bus='sata'/>
    </disk>
  </devices>
</domain>`

func TestFindDisk(t *testing.T) {
	tests := []struct {
		name string
		file string
		want string
	}{
		{"file backed", "/var/lib/libvirt/images/base.qcow2", "vda"},
		{"block backed", "/dev/disk/by-path/ip-10.0.0.5:3260-iscsi-iqn.2024-01.lan:data-lun-1", "vdb"},
		{"not attached", "/var/lib/libvirt/images/other.qcow2", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := findDisk(guestXML, blockjob.DeviceFilter{File: tt.file})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindDisk_InvalidXML(t *testing.T) {
	_, err := findDisk("<domain", blockjob.DeviceFilter{File: "/x"})
	assert.ErrorContains(t, err, "failed to parse domain XML")
}

func TestFindDisk_NoDevices(t *testing.T) {
	got, err := findDisk("<domain type='kvm'><name>empty</name></domain>", blockjob.DeviceFilter{File: "/x"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDestinationXML(t *testing.T) {
	t.Run("file target", func(t *testing.T) {
		xml, err := destinationXML(blockjob.MirrorRequest{TargetPath: "/images/target1.qcow2", Format: "qcow2"})
		require.NoError(t, err)

		var disk libvirtxml.DomainDisk
		require.NoError(t, disk.Unmarshal(xml))
		require.NotNil(t, disk.Source.File)
		assert.Equal(t, "/images/target1.qcow2", disk.Source.File.File)
		assert.Equal(t, "qcow2", disk.Driver.Type)
		assert.Contains(t, xml, `type="file"`)
	})

	t.Run("block target", func(t *testing.T) {
		xml, err := destinationXML(blockjob.MirrorRequest{TargetPath: "/dev/sdc", Format: "raw", BlockDevice: true})
		require.NoError(t, err)

		var disk libvirtxml.DomainDisk
		require.NoError(t, disk.Unmarshal(xml))
		require.NotNil(t, disk.Source.Block)
		assert.Equal(t, "/dev/sdc", disk.Source.Block.Dev)
		assert.Contains(t, xml, `type="block"`)
	})
}

func TestCopyFlags(t *testing.T) {
	tests := []struct {
		name string
		req  blockjob.MirrorRequest
		want libvirt.DomainBlockCopyFlags
	}{
		{
			name: "full copy to new file",
			req:  blockjob.MirrorRequest{FullCopy: true, CreateMode: blockjob.CreateAbsolutePath},
			want: libvirt.DOMAIN_BLOCK_COPY_TRANSIENT_JOB,
		},
		{
			name: "top only",
			req:  blockjob.MirrorRequest{FullCopy: false, CreateMode: blockjob.CreateAbsolutePath},
			want: libvirt.DOMAIN_BLOCK_COPY_TRANSIENT_JOB | libvirt.DOMAIN_BLOCK_COPY_SHALLOW,
		},
		{
			name: "existing image",
			req:  blockjob.MirrorRequest{FullCopy: true, CreateMode: blockjob.CreateExisting},
			want: libvirt.DOMAIN_BLOCK_COPY_TRANSIENT_JOB | libvirt.DOMAIN_BLOCK_COPY_REUSE_EXT,
		},
		{
			name: "block device",
			req:  blockjob.MirrorRequest{FullCopy: true, BlockDevice: true},
			want: libvirt.DOMAIN_BLOCK_COPY_TRANSIENT_JOB | libvirt.DOMAIN_BLOCK_COPY_REUSE_EXT,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, copyFlags(tt.req))
		})
	}
}

func TestEventTag(t *testing.T) {
	tag, ok := eventTag(libvirt.DOMAIN_BLOCK_JOB_READY)
	assert.True(t, ok)
	assert.Equal(t, blockjob.EventJobReady, tag)

	tag, ok = eventTag(libvirt.DOMAIN_BLOCK_JOB_COMPLETED)
	assert.True(t, ok)
	assert.Equal(t, blockjob.EventJobCompleted, tag)

	tag, ok = eventTag(libvirt.DOMAIN_BLOCK_JOB_CANCELED)
	assert.True(t, ok)
	assert.Equal(t, blockjob.EventJobCancelled, tag)
}

func TestJobStatus(t *testing.T) {
	assert.Nil(t, jobStatus(nil))
	assert.Nil(t, jobStatus(&libvirt.DomainBlockJobInfo{}))

	status := jobStatus(&libvirt.DomainBlockJobInfo{
		Type: libvirt.DOMAIN_BLOCK_JOB_TYPE_COPY,
		Cur:  512,
		End:  1024,
	})
	require.NotNil(t, status)
	assert.Equal(t, uint64(512), status.Offset)
	assert.Equal(t, uint64(1024), status.Length)
	assert.False(t, status.Done())
}

func TestDomainChannel_EventsFilteredByDevice(t *testing.T) {
	ch := newDomainChannel(nil, nil, "guest1")
	ch.device = "vda"

	ch.handleEvent("vdb", libvirt.DOMAIN_BLOCK_JOB_READY)
	assert.False(t, ch.GetEvent(blockjob.EventJobReady))

	ch.handleEvent("vda", libvirt.DOMAIN_BLOCK_JOB_READY)
	assert.True(t, ch.GetEvent(blockjob.EventJobReady))

	ch.ClearEvent(blockjob.EventJobReady)
	assert.False(t, ch.GetEvent(blockjob.EventJobReady))
	assert.False(t, ch.SupportsEvents())
}
