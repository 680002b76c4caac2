package iterator

// NewBufferFileAndTableIterator 把文件的覆盖缓冲与文件本体叠成一个有序流。
// 缓冲中的延迟写入比文件数据新，放在前面，键相同时缓冲记录先出。
func NewBufferFileAndTableIterator(bufferIter, tableIter Iterator) Iterator {
	return NewMergingIterator([]Iterator{bufferIter, tableIter})
}
