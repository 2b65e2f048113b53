/*
 * Copyright 2021. Go-RWSplit Author All Rights Reserved.
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 *
 *  File author: Anders Xiao
 */

package rwsplit

import (
	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/endink/go-rwsplit/mysql"
)

// SessionCommand is one session-affecting statement that must be replayed
// on every backend the session attaches. The log is the single owner;
// backends refer to entries by position only.
type SessionCommand struct {
	Position uint64
	Command  byte
	Packet   []byte

	replyReceived bool
	Reply         ReplySummary
}

// ReplyReceived reports whether the reference reply has been recorded.
func (c *SessionCommand) ReplyReceived() bool { return c.replyReceived }

// RecordReply stores the reference reply. The first recorded reply wins
// and is never cleared.
func (c *SessionCommand) RecordReply(summary ReplySummary) {
	if c.replyReceived {
		return
	}
	c.replyReceived = true
	c.Reply = summary
}

// Agrees compares another backend's reply against the reference reply.
func (c *SessionCommand) Agrees(summary ReplySummary) bool {
	if !c.replyReceived {
		return true
	}
	return c.Reply.ErrCode == summary.ErrCode && c.Reply.RowCount == summary.RowCount
}

// CommandLog is the ordered, position-stamped session command history of
// one router session.
type CommandLog struct {
	entries        *arraylist.List
	maxHistory     int
	disableHistory bool
	attachDisabled bool
	nextPosition   uint64
}

// NewCommandLog creates an empty log honoring the history options.
func NewCommandLog(maxHistory int, disableHistory bool) *CommandLog {
	return &CommandLog{
		entries:        arraylist.New(),
		maxHistory:     maxHistory,
		disableHistory: disableHistory,
		nextPosition:   1,
	}
}

// Append stamps pkt with the next position and stores it. When the cap is
// exceeded the history either drops its oldest entries, or, with history
// disabled, is cleared entirely and new backends can no longer attach.
func (l *CommandLog) Append(pkt []byte) *SessionCommand {
	cmd := &SessionCommand{
		Position: l.nextPosition,
		Command:  mysql.Command(pkt),
		Packet:   pkt,
	}
	l.nextPosition++
	l.entries.Add(cmd)

	if l.maxHistory > 0 && l.entries.Size() > l.maxHistory {
		if l.disableHistory {
			l.entries.Clear()
			l.attachDisabled = true
		} else {
			for l.entries.Size() > l.maxHistory {
				l.entries.Remove(0)
			}
		}
	}
	return cmd
}

// Find returns the entry at position, or nil if it has been trimmed.
func (l *CommandLog) Find(position uint64) *SessionCommand {
	var found *SessionCommand
	l.entries.Each(func(_ int, value interface{}) {
		cmd := value.(*SessionCommand)
		if cmd.Position == position {
			found = cmd
		}
	})
	return found
}

// Trim discards entries every live backend has acknowledged. The newest
// entry is always retained so late attaching backends see at least the
// current session state.
func (l *CommandLog) Trim(minAcked uint64) {
	for l.entries.Size() > 1 {
		value, _ := l.entries.Get(0)
		if value.(*SessionCommand).Position > minAcked {
			break
		}
		l.entries.Remove(0)
	}
}

// Each iterates the retained entries in position order.
func (l *CommandLog) Each(visit func(cmd *SessionCommand)) {
	l.entries.Each(func(_ int, value interface{}) {
		visit(value.(*SessionCommand))
	})
}

// Len returns the number of retained entries.
func (l *CommandLog) Len() int { return l.entries.Size() }

// AttachAllowed reports whether new backends may still be attached. It
// turns false once a disabled history has overflown.
func (l *CommandLog) AttachAllowed() bool { return !l.attachDisabled }

// NextPosition exposes the position the next command will receive.
func (l *CommandLog) NextPosition() uint64 { return l.nextPosition }
