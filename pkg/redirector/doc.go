// Package redirector provisions the kernel-side socket-lookup program and
// its two maps so that SYNs addressed to any configured virtual IP are
// steered to this process's single shared listening socket.
//
// # Overview
//
// A sk_lookup program is attached to the host network namespace. On every
// inbound TCP SYN, the kernel consults the program before normal socket
// demultiplexing: the program looks the destination IP up in the ips map,
// and if present, resolves the slot-zero entry of the sockets map to decide
// which listening socket should receive the connection
// (bpf_sk_assign). This lets one process serve an arbitrary number of
// virtual app IPs without binding a listener per IP.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                     User Space (Go)                       │
//	│   Load(cfg, listenFD)                                     │
//	│     1. open skeleton, size ips to len(apps)                │
//	│     2. set program type/attach type to sk_lookup           │
//	│     3. load program + maps into the kernel                 │
//	│     4. (re)pin socket_map, ips_map, redirector_prog         │
//	│     5. sockets[0] = listenFD                                │
//	│     6. ips[app.ip_addr] = {} for every configured app       │
//	│     7. attach to /proc/self/ns/net, keep the link alive     │
//	└──────────────────────┬──────────────────────────────────────┘
//	                       │ pinned under /sys/fs/bpf/
//	┌──────────────────────▼──────────────────────────────────────┐
//	│                  Kernel Space (eBPF)                         │
//	│  ┌─────────────────────────────┐  ┌─────────────────────┐   │
//	│  │ ips (BPF_MAP_TYPE_HASH)      │  │ sockets              │   │
//	│  │  key: u32 ipv4 (host order)  │  │ (BPF_MAP_TYPE_SOCKMAP)│   │
//	│  │  value: u8 (unused)          │  │  key: u32 zero slot   │   │
//	│  └─────────────────────────────┘  │  value: listening fd  │   │
//	│                                    └─────────────────────┘   │
//	│  SEC("sk_lookup/redirector"): ips lookup → sockets[0] →      │
//	│  bpf_sk_assign → SK_PASS, or SK_PASS (no match) / SK_DROP     │
//	└───────────────────────────────────────────────────────────────┘
//
// # Requirements
//
//   - Linux kernel 5.9+ (sk_lookup program type)
//   - CAP_BPF or CAP_SYS_ADMIN capability
//   - /sys/fs/bpf mounted
//
// # Build Requirements
//
//	apt-get install clang llvm libbpf-dev linux-headers-$(uname -r)
//	go install github.com/cilium/ebpf/cmd/bpf2go@latest
//	go generate ./pkg/redirector/...
//
// The real implementation only builds with -tags ebpf, once bpf2go has
// produced its generated skeleton; without that tag (or on non-Linux
// platforms) Load returns an explanatory error instead of failing to
// compile.
//
// # Limitations
//
//   - IPv4 only; an IPv6 app address fails Load with an explicit error
//   - Requires root or CAP_BPF
//   - A second Load call replaces the existing pins rather than erroring,
//     which is what makes a hot upgrade's re-attach possible
package redirector
