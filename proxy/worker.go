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

package proxy

import "sync"

// Worker serializes all state mutation of one router session. Backend
// readers and the client reader post tasks; the worker goroutine runs
// them one at a time, which is the single-writer guarantee the router
// session relies on.
type Worker struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewWorker starts the task loop.
func NewWorker() *Worker {
	w := &Worker{tasks: make(chan func(), 128)}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for task := range w.tasks {
			task()
		}
	}()
	return w
}

// Post enqueues a task. Posting to a stopped worker drops the task.
func (w *Worker) Post(task func()) {
	defer func() {
		// The channel may close concurrently with a late reader post.
		_ = recover()
	}()
	w.tasks <- task
}

// Stop drains the queue and stops the loop.
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.tasks)
	})
	w.wg.Wait()
}
