package internal

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestVersion(t *testing.T) {
	a, err := NewVersion("1.2")
	qt.Assert(t, qt.IsNil(err))

	b, err := NewVersion("2.2.1")
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.IsTrue(a.Less(b)))
	qt.Assert(t, qt.IsFalse(b.Less(a)))

	v200 := Version{2, 0, 0}
	qt.Assert(t, qt.IsTrue(a.Less(v200)))
	qt.Assert(t, qt.IsFalse(v200.Less(a)))

	_, err = NewVersion("foo")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestKernelVersionCode(t *testing.T) {
	// Kernels 4.4 and 4.9 have a SUBLEVEL of over 255 and clamp it to 255.
	// The other version segments are truncated.
	qt.Assert(t, qt.Equals(Version{256, 256, 256}.Kernel(), 255))

	qt.Assert(t, qt.Equals(Version{4, 9, 128}.Kernel(), 264576))
	qt.Assert(t, qt.Equals(Version{5, 0, 0}.Kernel(), 0x050000))
	qt.Assert(t, qt.Equals(Version{4, 15, 300}.Kernel(), 4<<16|15<<8|255))
}

func TestVersionDetection(t *testing.T) {
	var tests = []struct {
		name string
		s    string
		v    Version
		err  bool
	}{
		{"ubuntu version_signature", "Ubuntu 4.15.0-91.92-generic 4.15.18", Version{4, 15, 18}, false},
		{"debian uname version", "#1 SMP Debian 4.19.37-5+deb10u2 (2019-08-08)", Version{4, 19, 37}, false},
		{"debian uname release (missing patch)", "4.19.0-5-amd64", Version{4, 19, 0}, false},
		{"debian uname all", "Linux foo 5.6.0-0.bpo.2-amd64 #1 SMP Debian 5.6.14-2~bpo10+1 (2020-06-09) x86_64 GNU/Linux", Version{5, 6, 14}, false},
		{"debian custom uname version", "#1577309 SMP Thu Dec 31 08:32:02 UTC 2020", Version{}, true},
		{"debian custom uname release (missing patch)", "4.19-ovh-xxxx-std-ipv6-64", Version{4, 19, 0}, false},
		{"arch uname version", "#1 SMP PREEMPT Thu, 11 Mar 2021 21:27:06 +0000", Version{}, true},
		{"arch uname release", "5.5.10-arch1-1", Version{5, 5, 10}, false},
		{"alpine uname version", "#1-Alpine SMP Thu Jan 23 10:58:18 UTC 2020", Version{}, true},
		{"alpine uname release", "4.14.167-0-virt", Version{4, 14, 167}, false},
		{"fedora uname version", "#1 SMP Tue May 14 18:22:28 UTC 2019", Version{}, true},
		{"fedora uname release", "5.0.16-100.fc28.x86_64", Version{5, 0, 16}, false},
		{"centos8 uname version", "#1 SMP Mon Mar 1 17:16:16 UTC 2021", Version{}, true},
		{"centos8 uname release", "4.18.0-240.15.1.el8_3.x86_64", Version{4, 18, 0}, false},
		{"devuan uname version", "#1 SMP Debian 4.19.181-1 (2021-03-19)", Version{4, 19, 181}, false},
		{"devuan uname release", "4.19.0-16-amd64", Version{4, 19, 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := findKernelVersion(tt.s)
			if tt.err {
				qt.Assert(t, qt.IsNotNil(err))
				return
			}

			qt.Assert(t, qt.IsNil(err))
			qt.Assert(t, qt.Equals(v, tt.v))
		})
	}
}

func TestCurrentKernelVersion(t *testing.T) {
	v, err := KernelVersion()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsFalse(v.Unspecified()))
}
