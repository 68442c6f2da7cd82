package programs

// Names of the maps the programs refer to. Their slots must be resolved
// with asm.Program.PatchMap before loading.
const (
	CorrelationMap = "hash"
	EventsMap      = "events"
)

// Sizes of the fixed width strings.
const (
	CommLen = 16
	PathLen = 255
)

// The correlation map is keyed by the pid_tgid of the thread.
const (
	CorrelationKeySize = 8
	CorrelationEntries = 10240
)

// Layout of the value stored in the correlation map by the entry program:
//
//	struct val_t {
//		u64 id;
//		char comm[16];
//		const char *fname;
//	};
const (
	ValueSize     = 32
	valueIDOff    = 0
	valueCommOff  = 8
	valueFnameOff = 24
)

// Layout of the record submitted by the return program:
//
//	struct data_t {
//		u64 id;
//		u64 ts;
//		int ret;
//		char comm[16];
//		char fname[255];
//	};
const (
	RecordIDOff   = 0
	RecordTSOff   = 8
	RecordRetOff  = 16
	RecordCommOff = 20
	RecordPathOff = 36
	// RecordLen is the number of significant bytes of a record.
	RecordLen = RecordPathOff + PathLen
	// RecordSize is the size submitted to the perf buffer, including the
	// trailing padding of the struct.
	RecordSize = (RecordLen + 7) &^ 7
)
