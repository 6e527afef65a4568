/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package worker implements the per-transaction worker: two orthogonal
// CAS-driven state machines (Activity, Transaction) plus the
// send/receive/retry logic for one TFTP transfer at a time.
package worker

// ActivityState is the worker thread's own lifecycle, independent of
// whatever transaction it may be processing.
type ActivityState int32

const (
	ActivityInactive ActivityState = iota
	ActivityActive
	ActivityTerminating
)

func (s ActivityState) String() string {
	switch s {
	case ActivityInactive:
		return "INACTIVE"
	case ActivityActive:
		return "ACTIVE"
	case ActivityTerminating:
		return "TERMINATING"
	default:
		return "UNKNOWN"
	}
}

// TransactionState is the per-transaction phase a worker is in.
type TransactionState int32

const (
	TxInactive TransactionState = iota
	TxWaitingForRequest
	TxSettingUpRequest
	TxProcessingRequest
	TxWaitingForData
	TxWaitingForAck
	TxTerminating
)

func (s TransactionState) String() string {
	switch s {
	case TxInactive:
		return "INACTIVE"
	case TxWaitingForRequest:
		return "WAITING_FOR_REQUEST"
	case TxSettingUpRequest:
		return "SETTING_UP_REQUEST"
	case TxProcessingRequest:
		return "PROCESSING_REQUEST"
	case TxWaitingForData:
		return "WAITING_FOR_DATA"
	case TxWaitingForAck:
		return "WAITING_FOR_ACK"
	case TxTerminating:
		return "TERMINATING"
	default:
		return "UNKNOWN"
	}
}
