/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package step

// NewDefaultStack composes the standard layer order, inner to outer:
// Parse, ProvisionIDs, ProvisionTokens, Ack, Retry, HandleAcks, Block,
// Observe, BufferResponses. Retry sits inside HandleAcks so it still
// observes the raw ACK (and can mark the exchange acked or forget it)
// before HandleAcks hides that ACK from the caller entirely, per
// spec.md sections 4.4.5 and 4.4.7.
func NewDefaultStack() Step {
	var s Step = Parse{Inner: Base{}}
	s = NewProvisionIDs(s)
	s = NewProvisionTokens(s)
	s = NewAck(s)
	s = NewRetry(s)
	s = NewHandleAcks(s)
	s = NewBlock(s)
	s = NewObserve(s)
	s = NewBufferResponses(s)
	return s
}

// NewResetVariantStack is identical to NewDefaultStack except it uses
// ResetUnknownAcks in place of HandleAcks, per spec.md section 4.4.6.
// Retry again sits inside it for the same reason.
func NewResetVariantStack() Step {
	var s Step = Parse{Inner: Base{}}
	s = NewProvisionIDs(s)
	s = NewProvisionTokens(s)
	s = NewAck(s)
	s = NewRetry(s)
	s = NewResetUnknownAcks(s)
	s = NewBlock(s)
	s = NewObserve(s)
	s = NewBufferResponses(s)
	return s
}
