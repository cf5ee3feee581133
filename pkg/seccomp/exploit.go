package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ExploitProfile is deny-by-default. It admits what interpreters and
// network clients need and kills processes that reach for host-level
// facilities such as tracing, kernel modules or namespaces.
func ExploitProfile() *specs.LinuxSeccomp {
	return NewBuilder().
		Allow(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "openat2", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3", "fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat", "getdents64",
			"chdir", "fchdir", "getcwd", "umask",
			"chmod", "fchmod", "fchmodat",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat", "mkdir", "mkdirat", "rmdir",
			"symlink", "symlinkat", "link", "linkat",
			"ftruncate", "fallocate", "fsync", "fdatasync", "flock",
			"copy_file_range", "sendfile", "memfd_create",
		).
		Allow(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
		).
		Allow(
			"execve", "execveat", "exit", "exit_group",
			"wait4", "waitid", "clone", "clone3", "vfork", "kill",
			"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
			"futex", "gettid", "tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
			"sched_yield", "sched_getaffinity",
		).
		Allow(
			"clock_gettime", "clock_getres", "gettimeofday",
			"nanosleep", "clock_nanosleep",
			"getpid", "getppid", "getuid", "geteuid", "getgid", "getegid",
			"getgroups", "getresuid", "getresgid",
			"uname", "sysinfo", "getrandom",
			"arch_prctl", "prctl", "ioctl", "getrlimit", "prlimit64",
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		Allow(
			"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
			"getsockopt", "setsockopt", "getsockname", "getpeername",
			"shutdown",
		).
		Kill(
			"ptrace", "process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf", "perf_event_open", "userfaultfd",
			"kexec_load", "kexec_file_load",
			"init_module", "finit_module", "delete_module",
		).
		Deny(
			"mount", "umount2", "pivot_root", "reboot",
			"swapon", "swapoff", "sethostname", "setdomainname",
			"setns", "unshare", "acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality", "ioperm", "iopl",
		).
		Build()
}
