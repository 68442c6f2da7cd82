// Package opensnoop traces the files opened on a system, using hand
// assembled eBPF programs attached to the open syscall.
//
// The root package manages the kernel objects the programs depend on: a
// hash map correlating syscall entry and return, a perf event array which
// routes records to per-CPU ring buffers, and the loaded programs
// themselves. The instructions are assembled by package asm, attached by
// package link and their output is read by package perf. Package tracer
// wires all of them together.
package opensnoop
