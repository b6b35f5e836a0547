// Package opts holds the options a CRIU session accumulates before an
// operation is dispatched.
//
// The set of options is closed: every option has a [Name] and a declared
// [Kind], and values are stored in typed fields. Setting an option never
// validates it against other options; that happens at dispatch time.
package opts

import (
	"errors"
	"fmt"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
)

// Kind is the declared value type of an option.
type Kind int

const (
	KindInt Kind = iota + 1
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Name identifies a recognized option.
type Name string

const (
	Pid             Name = "pid"
	ImagesDir       Name = "images_dir"
	WorkDir         Name = "work_dir"
	ServiceAddress  Name = "service_address"
	ServiceBinary   Name = "service_binary"
	LogFile         Name = "log_file"
	LogLevel        Name = "log_level"
	Root            Name = "root"
	ParentImg       Name = "parent_img"
	LeaveRunning    Name = "leave_running"
	EvasiveDevices  Name = "evasive_devices"
	ShellJob        Name = "shell_job"
	TCPEstablished  Name = "tcp_established"
	TCPClose        Name = "tcp_close"
	ExtUnixSk       Name = "ext_unix_sk"
	FileLocks       Name = "file_locks"
	TrackMem        Name = "track_mem"
	AutoDedup       Name = "auto_dedup"
	LinkRemap       Name = "link_remap"
	ForceIrmap      Name = "force_irmap"
	ManageCgroups   Name = "manage_cgroups"
	OrphanPtsMaster Name = "orphan_pts_master"
	Timeout         Name = "timeout"
)

// LogToCaller is the log_file value asking the backend to write its log
// to the caller's own output stream instead of a file.
const LogToCaller = "-"

var names = []Name{
	Pid, ImagesDir, WorkDir, ServiceAddress, ServiceBinary, LogFile, LogLevel,
	Root, ParentImg, LeaveRunning, EvasiveDevices, ShellJob, TCPEstablished,
	TCPClose, ExtUnixSk, FileLocks, TrackMem, AutoDedup, LinkRemap, ForceIrmap,
	ManageCgroups, OrphanPtsMaster, Timeout,
}

// Names returns every recognized option name, in a stable order.
func Names() []Name {
	return append([]Name(nil), names...)
}

// ParseName maps s to a recognized option. Dashes are accepted in place of
// underscores so that flag spellings ("images-dir") resolve too.
func ParseName(s string) (Name, error) {
	n := Name(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	if _, ok := new(Options).field(n); !ok {
		return "", unknownOptionError(s)
	}
	return n, nil
}

// KindOf returns the declared kind of name, or false if the name is not
// recognized.
func KindOf(name Name) (Kind, bool) {
	f, ok := new(Options).field(name)
	if !ok {
		return 0, false
	}
	switch f.(type) {
	case *value[int]:
		return KindInt, true
	case *value[string]:
		return KindString, true
	default:
		return KindBool, true
	}
}

var (
	// ErrUnknownOption is returned for a name outside the recognized set.
	ErrUnknownOption = errors.New("unknown option")
	// ErrTypeMismatch is returned when a value does not have the declared
	// kind of its option.
	ErrTypeMismatch = errors.New("option type mismatch")
)

type unknownOptionError string

func (e unknownOptionError) Error() string {
	return fmt.Sprintf("%s %q", ErrUnknownOption, string(e))
}

func (unknownOptionError) InvalidParameter() {}

func (unknownOptionError) Is(target error) bool {
	return target == ErrUnknownOption || target == cerrdefs.ErrInvalidArgument
}

type typeMismatchError struct {
	name Name
	want Kind
	got  string
}

func (e typeMismatchError) Error() string {
	return fmt.Sprintf("%s: %s wants a %s value, got %s", ErrTypeMismatch, e.name, e.want, e.got)
}

func (typeMismatchError) InvalidParameter() {}

func (typeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch || target == cerrdefs.ErrInvalidArgument
}

type value[T int | string | bool] struct {
	v   T
	set bool
}

func (v *value[T]) store(x T) {
	v.v, v.set = x, true
}

func (v *value[T]) load() (any, bool) {
	if !v.set {
		return nil, false
	}
	return v.v, true
}

// Options is the accumulated configuration of one session. The zero value
// has no option set.
//
// Options is not safe for concurrent use, and must not be mutated while an
// operation that reads it is in flight.
type Options struct {
	pid             value[int]
	imagesDir       value[string]
	workDir         value[string]
	serviceAddress  value[string]
	serviceBinary   value[string]
	logFile         value[string]
	logLevel        value[int]
	root            value[string]
	parentImg       value[string]
	leaveRunning    value[bool]
	evasiveDevices  value[bool]
	shellJob        value[bool]
	tcpEstablished  value[bool]
	tcpClose        value[bool]
	extUnixSk       value[bool]
	fileLocks       value[bool]
	trackMem        value[bool]
	autoDedup       value[bool]
	linkRemap       value[bool]
	forceIrmap      value[bool]
	manageCgroups   value[bool]
	orphanPtsMaster value[bool]
	timeout         value[int]
}

// New returns an empty set of options.
func New() *Options {
	return &Options{}
}

func (o *Options) field(name Name) (any, bool) {
	switch name {
	case Pid:
		return &o.pid, true
	case ImagesDir:
		return &o.imagesDir, true
	case WorkDir:
		return &o.workDir, true
	case ServiceAddress:
		return &o.serviceAddress, true
	case ServiceBinary:
		return &o.serviceBinary, true
	case LogFile:
		return &o.logFile, true
	case LogLevel:
		return &o.logLevel, true
	case Root:
		return &o.root, true
	case ParentImg:
		return &o.parentImg, true
	case LeaveRunning:
		return &o.leaveRunning, true
	case EvasiveDevices:
		return &o.evasiveDevices, true
	case ShellJob:
		return &o.shellJob, true
	case TCPEstablished:
		return &o.tcpEstablished, true
	case TCPClose:
		return &o.tcpClose, true
	case ExtUnixSk:
		return &o.extUnixSk, true
	case FileLocks:
		return &o.fileLocks, true
	case TrackMem:
		return &o.trackMem, true
	case AutoDedup:
		return &o.autoDedup, true
	case LinkRemap:
		return &o.linkRemap, true
	case ForceIrmap:
		return &o.forceIrmap, true
	case ManageCgroups:
		return &o.manageCgroups, true
	case OrphanPtsMaster:
		return &o.orphanPtsMaster, true
	case Timeout:
		return &o.timeout, true
	}
	return nil, false
}

// Set stores v as the value of name, replacing any previous value. The
// dynamic type of v must be exactly int, string or bool, matching the
// declared kind of the option.
func (o *Options) Set(name Name, v any) error {
	f, ok := o.field(name)
	if !ok {
		return unknownOptionError(name)
	}
	switch f := f.(type) {
	case *value[int]:
		x, ok := v.(int)
		if !ok {
			return typeMismatchError{name: name, want: KindInt, got: fmt.Sprintf("%T", v)}
		}
		f.store(x)
	case *value[string]:
		x, ok := v.(string)
		if !ok {
			return typeMismatchError{name: name, want: KindString, got: fmt.Sprintf("%T", v)}
		}
		f.store(x)
	case *value[bool]:
		x, ok := v.(bool)
		if !ok {
			return typeMismatchError{name: name, want: KindBool, got: fmt.Sprintf("%T", v)}
		}
		f.store(x)
	}
	return nil
}

// Get returns the value of name and whether it was set.
func (o *Options) Get(name Name) (any, bool) {
	f, ok := o.field(name)
	if !ok {
		return nil, false
	}
	switch f := f.(type) {
	case *value[int]:
		return f.load()
	case *value[string]:
		return f.load()
	case *value[bool]:
		return f.load()
	}
	return nil, false
}

// Unset clears name so that it is omitted from the next request.
func (o *Options) Unset(name Name) error {
	f, ok := o.field(name)
	if !ok {
		return unknownOptionError(name)
	}
	switch f := f.(type) {
	case *value[int]:
		*f = value[int]{}
	case *value[string]:
		*f = value[string]{}
	case *value[bool]:
		*f = value[bool]{}
	}
	return nil
}

// IntValue returns the value of an int option.
func (o *Options) IntValue(name Name) (int, bool) {
	if f, ok := o.field(name); ok {
		if f, ok := f.(*value[int]); ok && f.set {
			return f.v, true
		}
	}
	return 0, false
}

// StringValue returns the value of a string option.
func (o *Options) StringValue(name Name) (string, bool) {
	if f, ok := o.field(name); ok {
		if f, ok := f.(*value[string]); ok && f.set {
			return f.v, true
		}
	}
	return "", false
}

// BoolValue returns the value of a bool option.
func (o *Options) BoolValue(name Name) (bool, bool) {
	if f, ok := o.field(name); ok {
		if f, ok := f.(*value[bool]); ok && f.set {
			return f.v, true
		}
	}
	return false, false
}

// Clone returns an independent copy of o.
func (o *Options) Clone() *Options {
	c := *o
	return &c
}

// SetPid sets the root of the process tree to dump.
func (o *Options) SetPid(pid int) *Options {
	o.pid.store(pid)
	return o
}

// SetImagesDir sets the directory CRIU reads and writes images in.
func (o *Options) SetImagesDir(dir string) *Options {
	o.imagesDir.store(dir)
	return o
}

// SetWorkDir sets the directory for CRIU logs and other work files. CRIU
// uses images_dir when it is unset.
func (o *Options) SetWorkDir(dir string) *Options {
	o.workDir.store(dir)
	return o
}

// SetLogFile sets the log file name, relative to work_dir. LogToCaller
// sends the log to the caller's stdio instead.
func (o *Options) SetLogFile(file string) *Options {
	o.logFile.store(file)
	return o
}

// SetLogLevel sets CRIU's log verbosity, 0 to 4.
func (o *Options) SetLogLevel(level int) *Options {
	o.logLevel.store(level)
	return o
}

// SetRoot sets the root directory of the restored tree.
func (o *Options) SetRoot(root string) *Options {
	o.root.store(root)
	return o
}

// SetParentImg sets the images of the previous dump, relative to
// images_dir, for an incremental dump.
func (o *Options) SetParentImg(dir string) *Options {
	o.parentImg.store(dir)
	return o
}

// SetTimeout sets how many seconds CRIU waits for the tree to freeze.
func (o *Options) SetTimeout(seconds int) *Options {
	o.timeout.store(seconds)
	return o
}

// SetShellJob allows dumping a tree attached to a terminal or session it
// does not lead.
func (o *Options) SetShellJob(b bool) *Options {
	o.shellJob.store(b)
	return o
}

// SetLeaveRunning keeps the tree running after a dump.
func (o *Options) SetLeaveRunning(b bool) *Options {
	o.leaveRunning.store(b)
	return o
}

// SetEvasiveDevices lets CRIU use any path to a device file it cannot
// find by its original path.
func (o *Options) SetEvasiveDevices(b bool) *Options {
	o.evasiveDevices.store(b)
	return o
}

// SetTCPEstablished checkpoints established TCP connections.
func (o *Options) SetTCPEstablished(b bool) *Options {
	o.tcpEstablished.store(b)
	return o
}

// SetTCPClose closes established TCP connections on restore.
func (o *Options) SetTCPClose(b bool) *Options {
	o.tcpClose.store(b)
	return o
}

// SetExtUnixSk allows external unix sockets.
func (o *Options) SetExtUnixSk(b bool) *Options {
	o.extUnixSk.store(b)
	return o
}

// SetFileLocks handles file locks.
func (o *Options) SetFileLocks(b bool) *Options {
	o.fileLocks.store(b)
	return o
}

// SetTrackMem turns on memory change tracking for later incremental
// dumps.
func (o *Options) SetTrackMem(b bool) *Options {
	o.trackMem.store(b)
	return o
}

// SetAutoDedup punches holes in parent images as pages are dumped again.
func (o *Options) SetAutoDedup(b bool) *Options {
	o.autoDedup.store(b)
	return o
}

// SetLinkRemap allows restoring open but unlinked files through links.
func (o *Options) SetLinkRemap(b bool) *Options {
	o.linkRemap.store(b)
	return o
}

// SetForceIrmap forces resolving inotify and fsnotify watch names.
func (o *Options) SetForceIrmap(b bool) *Options {
	o.forceIrmap.store(b)
	return o
}

// SetManageCgroups dumps and restores the tree's cgroups.
func (o *Options) SetManageCgroups(b bool) *Options {
	o.manageCgroups.store(b)
	return o
}

// SetOrphanPtsMaster lets a restored tty slave live without its master.
func (o *Options) SetOrphanPtsMaster(b bool) *Options {
	o.orphanPtsMaster.store(b)
	return o
}

// SetServiceAddress sets the socket path of a running CRIU service.
func (o *Options) SetServiceAddress(path string) *Options {
	o.serviceAddress.store(path)
	return o
}

// SetServiceBinary sets the CRIU executable to spawn in swrk mode. When set,
// it takes precedence over the service address.
func (o *Options) SetServiceBinary(path string) *Options {
	o.serviceBinary.store(path)
	return o
}
